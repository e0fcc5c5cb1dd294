package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	EffectInventory    = "inventory"
	EffectCertificate  = "certificate"
	EffectSubscription = "subscription"
	EffectPublish      = "publish"
)

var ErrEffectPanicked = errors.New("side effect panicked")

// EffectResult records the outcome of one side effect. A nil Err means it
// succeeded.
type EffectResult struct {
	Name string
	Err  error
}

func (r EffectResult) OK() bool {
	return r.Err == nil
}

func (r EffectResult) MarshalJSON() ([]byte, error) {
	view := struct {
		Name  string `json:"name"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}{Name: r.Name, OK: r.OK()}
	if r.Err != nil {
		view.Error = r.Err.Error()
	}
	return json.Marshal(view)
}

type effect struct {
	name string
	run  func(ctx context.Context) error
}

// runEffects executes every effect concurrently, each in its own boundary: an
// error or panic in one never stops the others. Failures are logged and
// counted; the caller only gets the results.
func runEffects(ctx context.Context, logger *slog.Logger, attrs []any, effects ...effect) []EffectResult {
	results := make([]EffectResult, len(effects))

	var g errgroup.Group
	for i, e := range effects {
		g.Go(func() error {
			results[i] = EffectResult{Name: e.name, Err: runIsolated(ctx, e)}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err == nil {
			continue
		}
		args := append([]any{"effect", r.Name, "error", r.Err}, attrs...)
		logger.Error("side effect failed", args...)
		paymentMetrics().effectFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("effect", r.Name)))
	}

	return results
}

func runIsolated(ctx context.Context, e effect) (err error) {
	ctx, span := tracer.Start(ctx, "effect "+e.name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEffectPanicked, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return e.run(ctx)
}
