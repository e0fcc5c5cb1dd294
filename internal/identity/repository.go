package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username or email already taken")
)

const userColumns = `id, username, email, role, is_subscribed, subscription_expires, created_at, updated_at`

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = domain.RoleBuyer
	}
	now := time.Now().UTC()

	stored, err := scanUser(r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, email, role, is_subscribed, subscription_expires, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, NULL, $5, $5)
		RETURNING `+userColumns,
		user.ID, user.Username, user.Email, user.Role, now))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	*user = *stored
	return nil
}

func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) UpdateSubscription(ctx context.Context, id string, active bool, expiration *time.Time) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users SET
			is_subscribed        = $2,
			subscription_expires = $3,
			updated_at           = NOW()
		WHERE id = $1
		RETURNING `+userColumns, id, active, expiration))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update subscription for user %s: %w", id, err)
	}
	return user, nil
}

// ExpireSubscriptions deactivates every subscription whose expiration is
// before now and returns how many were changed.
func (r *UserRepository) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			is_subscribed        = FALSE,
			subscription_expires = NULL,
			updated_at           = NOW()
		WHERE is_subscribed AND subscription_expires < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u       domain.User
		expires sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.IsSubscribed,
		&expires, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		u.SubscriptionExpires = &t
	}
	return &u, nil
}
