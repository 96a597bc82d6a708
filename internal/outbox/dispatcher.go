package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DispatcherConfig holds delivery settings.
type DispatcherConfig struct {
	// BaseURL of the reconciliation service, e.g. http://localhost:8080.
	BaseURL string
	// RequestTimeout bounds each webhook call.
	RequestTimeout time.Duration
	// PollInterval between drain passes in Run.
	PollInterval time.Duration
	// InitialBackoff after the first failed attempt; doubles per attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay. Retries continue indefinitely.
	MaxBackoff time.Duration
	// BatchSize limits entries per drain pass (0 means no limit).
	BatchSize int
}

func (c *DispatcherConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Dispatcher drains pending outbox entries to the reconciliation webhook.
// Its retry cadence is independent of the watcher's poll loop: a failing
// endpoint only delays delivery, never indexing.
type Dispatcher struct {
	cfg    DispatcherConfig
	store  Store
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher builds a dispatcher over the given store.
func NewDispatcher(cfg DispatcherConfig, store Store, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchDue(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchDue attempts delivery for every due entry once and returns the
// number delivered. Store failures abort the pass; delivery failures are
// recorded and rescheduled.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	due, err := d.store.Due(d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due entries: %w", err)
	}

	delivered := 0
	for _, entry := range due {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}

		if err := d.deliver(ctx, entry); err != nil {
			backoff := Backoff(d.cfg.InitialBackoff, d.cfg.MaxBackoff, entry.Attempts)
			d.logger.Warn("fact delivery failed",
				zap.String("fact", entry.Fact.FactKey.String()),
				zap.String("kind", string(entry.Fact.Kind)),
				zap.Int("attempts", entry.Attempts+1),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if markErr := d.store.MarkFailed(entry.Fact.FactKey, err.Error(), d.now().Add(backoff)); markErr != nil {
				return delivered, fmt.Errorf("mark failed: %w", markErr)
			}
			continue
		}

		if err := d.store.MarkDelivered(entry.Fact.FactKey, d.now()); err != nil {
			return delivered, fmt.Errorf("mark delivered: %w", err)
		}
		delivered++
		d.logger.Debug("fact delivered",
			zap.String("fact", entry.Fact.FactKey.String()),
			zap.String("kind", string(entry.Fact.Kind)),
		)
	}
	return delivered, nil
}

// deliver POSTs the fact to its per-kind endpoint. Any non-2xx response is a
// delivery failure; 2xx means accepted or already processed.
func (d *Dispatcher) deliver(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry.Fact)
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}

	url := fmt.Sprintf("%s/webhooks/chain/%s", d.cfg.BaseURL, entry.Fact.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, snippet)
	}
	return nil
}

// Backoff returns the exponential delay after the given number of failed
// attempts, capped at max. Shared by the dispatcher and the watcher's RPC
// retries so both sides degrade the same way.
func Backoff(initial, max time.Duration, attempts int) time.Duration {
	delay := initial
	for i := 0; i < attempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
