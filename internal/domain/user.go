package domain

import "time"

type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleCreator || r == RoleAdmin
}

type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	Role                Role       `json:"role"`
	IsSubscribed        bool       `json:"is_subscribed"`
	SubscriptionExpires *time.Time `json:"subscription_expires,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (u *User) Subscription() Subscription {
	return Subscription{
		UserID:     u.ID,
		Active:     u.IsSubscribed,
		Expiration: u.SubscriptionExpires,
	}
}

// IsCreator reports whether the user may publish assets. The creator role
// only counts while the subscription is active.
func (u *User) IsCreator() bool {
	return u.Role == RoleCreator && u.IsSubscribed
}
