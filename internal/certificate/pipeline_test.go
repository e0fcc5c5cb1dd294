package certificate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/email"
)

type fakeAssets struct {
	mu     sync.Mutex
	assets map[string]domain.Asset
	err    error
	calls  int
}

func (f *fakeAssets) GetAsset(_ context.Context, id string) (*domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	asset, ok := f.assets[id]
	if !ok {
		return nil, errors.New("asset not found")
	}
	return &asset, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestPipeline(t *testing.T, assets *fakeAssets, mailer *fakeMailer) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p, err := NewPipeline(assets, mailer, 8, clk, logger)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func TestPipeline_ResolveTitle(t *testing.T) {
	assets := &fakeAssets{assets: map[string]domain.Asset{"A": {ID: "A", Title: "Sunset"}}}
	p := newTestPipeline(t, assets, &fakeMailer{})
	ctx := context.Background()

	tests := []struct {
		name  string
		hints TitleHints
		want  string
	}{
		{"metadata title wins", TitleHints{AssetID: "A", MetadataTitle: "  Provided  "}, "Provided"},
		{"asset lookup", TitleHints{AssetID: "A", LineItemDescription: "desc"}, "Sunset"},
		{"line item when lookup fails", TitleHints{AssetID: "missing", LineItemDescription: "Line item"}, "Line item"},
		{"generic fallback", TitleHints{AssetID: "missing"}, "NFT #missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ResolveTitle(ctx, tt.hints); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPipeline_ResolveTitle_CachesLookups(t *testing.T) {
	assets := &fakeAssets{assets: map[string]domain.Asset{"A": {ID: "A", Title: "Sunset"}}}
	p := newTestPipeline(t, assets, &fakeMailer{})

	for range 3 {
		if got := p.ResolveTitle(context.Background(), TitleHints{AssetID: "A"}); got != "Sunset" {
			t.Fatalf("expected Sunset, got %q", got)
		}
	}

	if assets.calls != 1 {
		t.Errorf("expected one asset lookup, got %d", assets.calls)
	}
}

func TestPipeline_Generate(t *testing.T) {
	p := newTestPipeline(t, &fakeAssets{}, &fakeMailer{})

	doc, err := p.Generate(context.Background(), Buyer{ID: "u1", Name: "<Ada>"}, "Sunset", "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Filename != "certificate-A.html" {
		t.Errorf("unexpected filename %q", doc.Filename)
	}
	content := string(doc.Content)
	if !strings.Contains(content, "Sunset") || !strings.Contains(content, "2026-03-01") {
		t.Errorf("certificate is missing title or date: %s", content)
	}
	if strings.Contains(content, "<Ada>") || !strings.Contains(content, "&lt;Ada&gt;") {
		t.Errorf("expected owner name to be escaped: %s", content)
	}
}

func TestPipeline_Issue(t *testing.T) {
	t.Run("delivers to buyer", func(t *testing.T) {
		mailer := &fakeMailer{}
		p := newTestPipeline(t, &fakeAssets{err: errors.New("down")}, mailer)

		err := p.Issue(context.Background(), Purchase{
			OrderID: "o1",
			Buyer:   Buyer{ID: "u1", Email: "buyer@example.com"},
			Hints:   TitleHints{AssetID: "A", LineItemDescription: "Sunset"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(mailer.sent) != 1 {
			t.Fatalf("expected one email, got %d", len(mailer.sent))
		}
		msg := mailer.sent[0]
		if msg.To != "buyer@example.com" || len(msg.Attachments) != 1 {
			t.Errorf("unexpected message %+v", msg)
		}
	})

	t.Run("missing recipient", func(t *testing.T) {
		p := newTestPipeline(t, &fakeAssets{}, &fakeMailer{})
		err := p.Issue(context.Background(), Purchase{Hints: TitleHints{AssetID: "A"}})
		if !errors.Is(err, ErrNoRecipient) {
			t.Errorf("expected ErrNoRecipient, got %v", err)
		}
	})

	t.Run("mailer failure is returned", func(t *testing.T) {
		p := newTestPipeline(t, &fakeAssets{}, &fakeMailer{err: errors.New("smtp down")})
		err := p.Issue(context.Background(), Purchase{
			Buyer: Buyer{Email: "buyer@example.com"},
			Hints: TitleHints{AssetID: "A"},
		})
		if err == nil {
			t.Error("expected error")
		}
	})
}
