package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/email"
)

var ErrNoRecipient = errors.New("certificate has no recipient")

const DefaultTitleCacheSize = 1024

type AssetLookup interface {
	GetAsset(ctx context.Context, assetID string) (*domain.Asset, error)
}

type Mailer interface {
	Send(ctx context.Context, msg email.Message) error
}

type Buyer struct {
	ID    string
	Name  string
	Email string
}

// TitleHints are the places a purchase may carry the asset title, in the order
// they are trusted.
type TitleHints struct {
	AssetID             string
	MetadataTitle       string
	LineItemDescription string
}

type Purchase struct {
	OrderID   string
	SessionID string
	Buyer     Buyer
	Hints     TitleHints
}

type Document struct {
	Filename    string
	ContentType string
	Title       string
	AssetID     string
	IssuedAt    time.Time
	Content     []byte
}

// Pipeline issues ownership certificates: resolve the asset title, render the
// document and mail it to the buyer.
type Pipeline struct {
	assets AssetLookup
	mailer Mailer
	titles *lru.Cache[string, string]
	clock  clock.Clock
	logger *slog.Logger
}

func NewPipeline(assets AssetLookup, mailer Mailer, cacheSize int, clk clock.Clock, logger *slog.Logger) (*Pipeline, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultTitleCacheSize
	}
	titles, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create title cache: %w", err)
	}
	return &Pipeline{
		assets: assets,
		mailer: mailer,
		titles: titles,
		clock:  clk,
		logger: logger,
	}, nil
}

// ResolveTitle never fails: each unavailable source falls through to the next,
// ending with a generic "NFT #<id>".
func (p *Pipeline) ResolveTitle(ctx context.Context, hints TitleHints) string {
	if title := strings.TrimSpace(hints.MetadataTitle); title != "" {
		return title
	}

	if hints.AssetID != "" {
		if title, ok := p.titles.Get(hints.AssetID); ok {
			return title
		}

		asset, err := p.assets.GetAsset(ctx, hints.AssetID)
		switch {
		case err != nil:
			p.logger.Warn("asset lookup failed, falling back", "error", err, "asset_id", hints.AssetID)
		case asset != nil && strings.TrimSpace(asset.Title) != "":
			title := strings.TrimSpace(asset.Title)
			p.titles.Add(hints.AssetID, title)
			return title
		}
	}

	if desc := strings.TrimSpace(hints.LineItemDescription); desc != "" {
		return desc
	}

	return "NFT #" + hints.AssetID
}

func (p *Pipeline) Generate(ctx context.Context, buyer Buyer, title, assetID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issuedAt := p.clock.Now()
	content, err := render(certificateData{
		Title:    title,
		AssetID:  assetID,
		Owner:    ownerName(buyer),
		OwnerID:  buyer.ID,
		IssuedAt: issuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("render certificate for asset %s: %w", assetID, err)
	}

	return &Document{
		Filename:    "certificate-" + assetID + ".html",
		ContentType: "text/html; charset=utf-8",
		Title:       title,
		AssetID:     assetID,
		IssuedAt:    issuedAt,
		Content:     content,
	}, nil
}

func (p *Pipeline) Deliver(ctx context.Context, doc *Document, recipient string) error {
	if strings.TrimSpace(recipient) == "" {
		return ErrNoRecipient
	}

	msg := email.Message{
		To:      recipient,
		Subject: "Your ownership certificate for " + doc.Title,
		Body:    fmt.Sprintf("Congratulations! You now own %q. Your certificate is attached.", doc.Title),
		Attachments: []email.Attachment{{
			Filename:    doc.Filename,
			ContentType: doc.ContentType,
			Content:     doc.Content,
		}},
	}
	if err := p.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("deliver certificate for asset %s: %w", doc.AssetID, err)
	}
	return nil
}

// Issue runs the whole pipeline for one purchase.
func (p *Pipeline) Issue(ctx context.Context, purchase Purchase) error {
	title := p.ResolveTitle(ctx, purchase.Hints)

	doc, err := p.Generate(ctx, purchase.Buyer, title, purchase.Hints.AssetID)
	if err != nil {
		return err
	}

	if err := p.Deliver(ctx, doc, purchase.Buyer.Email); err != nil {
		return err
	}

	p.logger.Info("certificate issued", "order_id", purchase.OrderID, "asset_id", purchase.Hints.AssetID,
		"buyer_id", purchase.Buyer.ID, "title", title)
	return nil
}

func ownerName(b Buyer) string {
	if name := strings.TrimSpace(b.Name); name != "" {
		return name
	}
	if b.Email != "" {
		return b.Email
	}
	return b.ID
}
