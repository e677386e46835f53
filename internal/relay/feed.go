package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/config"
	"github.com/openclaw/signal-relay-go/internal/model"
)

// pollOverlap is re-scanned on every poll so a signal whose timestamp
// races the previous high-water mark is never missed. Overlapping rows
// are absorbed by the dedup set.
const pollOverlap = 2 * time.Second

// Source is the read half of the relay a Feed consumes. *Relay
// implements it directly; remote front ends can provide their own.
type Source interface {
	ListSince(ctx context.Context, sessionID string, sides []model.Side, after time.Time) ([]model.Signal, error)
	Subscribe(sessionID string) (*Subscriber, error)
	Unsubscribe(sub *Subscriber)
}

// Handler consumes one deduplicated signal. Calls are serialized.
type Handler func(model.Signal)

type FeedConfig struct {
	SessionID string
	// OwnSide is suppressed on delivery (echo). Signals from SideSystem
	// always pass.
	OwnSide model.Side
	// Sides of interest for the poll query, typically the peer plus system.
	Sides          []model.Side
	PollInterval   time.Duration
	DedupRetention time.Duration
	OnSignal       Handler
}

// Feed is the reader side of the at-least-once relay: it merges the
// push subscription with a fallback poll loop and delivers each signal
// id at most once. The poll path alone is sufficient for progress; the
// push path only reduces latency.
type Feed struct {
	src Source
	cfg FeedConfig
	log zerolog.Logger

	mu       sync.Mutex // serializes delivery across both paths
	seen     map[string]time.Time
	lastSeen time.Time

	sub       *Subscriber
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Open starts both delivery paths. A failed push subscription degrades
// silently to poll-only; Open fails only on invalid configuration.
func Open(ctx context.Context, src Source, cfg FeedConfig) (*Feed, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.PollInterval
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = config.DedupRetention
	}

	feedCtx, cancel := context.WithCancel(ctx)
	f := &Feed{
		src:    src,
		cfg:    cfg,
		log:    log.With().Str("sessionId", cfg.SessionID).Str("side", string(cfg.OwnSide)).Logger(),
		seen:   make(map[string]time.Time),
		cancel: cancel,
	}

	sub, err := src.Subscribe(cfg.SessionID)
	if err != nil {
		// RelayUnavailable by taxonomy: not surfaced, the poll loop is
		// the correctness path.
		f.log.Warn().Err(err).Msg("push subscribe failed, running poll-only")
	} else {
		f.sub = sub
		go f.pushLoop(feedCtx)
	}

	go f.pollLoop(feedCtx)

	return f, nil
}

func (f *Feed) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.sub.Done:
			return
		case signal, ok := <-f.sub.Signals:
			if !ok {
				return
			}
			f.deliver(signal)
		}
	}
}

func (f *Feed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	f.mu.Lock()
	after := f.lastSeen.Add(-pollOverlap)
	f.mu.Unlock()

	signals, err := f.src.ListSince(ctx, f.cfg.SessionID, f.cfg.Sides, after)
	if err != nil {
		if ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("signal poll failed")
		}
		return
	}

	for _, signal := range signals {
		f.deliver(signal)
	}
}

func (f *Feed) deliver(signal model.Signal) {
	f.mu.Lock()

	if signal.FromSide == f.cfg.OwnSide && signal.FromSide != model.SideSystem {
		f.mu.Unlock()
		return
	}

	if _, dup := f.seen[signal.ID]; dup {
		f.mu.Unlock()
		return
	}
	f.seen[signal.ID] = signal.CreatedAt
	if signal.CreatedAt.After(f.lastSeen) {
		f.lastSeen = signal.CreatedAt
	}
	f.prune(time.Now())

	// Handler runs under the feed mutex: push and poll deliveries for
	// the same session never apply two signals concurrently.
	handler := f.cfg.OnSignal
	defer f.mu.Unlock()
	if handler != nil {
		handler(signal)
	}
}

// prune evicts dedup entries older than the retention window; the store
// no longer holds those rows, so they cannot be re-delivered.
func (f *Feed) prune(now time.Time) {
	cutoff := now.Add(-f.cfg.DedupRetention)
	for id, createdAt := range f.seen {
		if createdAt.Before(cutoff) {
			delete(f.seen, id)
		}
	}
}

// Close stops the poll loop and releases the push subscription. Safe to
// call from any goroutine, including the delivery handler, and idempotent.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.cancel()
		if f.sub != nil {
			f.src.Unsubscribe(f.sub)
		}
	})
}
