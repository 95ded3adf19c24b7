// Package watcher drives the polling reconciliation loop: on every tick it
// merges each platform's live-state snapshots with the subscription ledger,
// notifies recipients of session transitions, and commits the resulting
// ledger updates.
//
// Each (creator, recipient) pair is an independent unit of work: the
// notification send always precedes the ledger commit, a failed send skips
// the commit so the pair is retried next tick, and no failure in one unit
// blocks another. No error escapes the loop.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/telescope-bot/telescope/ledger"
	"github.com/telescope-bot/telescope/platform"
	"github.com/telescope-bot/telescope/telemetry"
)

// notifyConcurrency bounds the parallel fan-out of started notifications
// within one creator. Per-recipient commits are independent, so parallel
// delivery is safe.
const notifyConcurrency = 4

// Ledger is the subscription state the watcher reads and commits against.
type Ledger interface {
	ScanTracked(ctx context.Context, p platform.Platform, fn func(c platform.Creator, sessionID string) error) error
	ScanAnchors(ctx context.Context, c platform.Creator, fn func(a ledger.Anchor) error) error
	Subscribers(ctx context.Context, c platform.Creator) ([]string, error)
	CommitSessionStart(ctx context.Context, c platform.Creator, recipient, sessionID string, anchor int64) error
	CommitSessionEnd(ctx context.Context, c platform.Creator, recipient string) error
}

// Notifier delivers rendered notifications and returns the message handle
// used as the reply anchor for the session's follow-up.
type Notifier interface {
	SendNew(ctx context.Context, recipient, text string, att platform.Attachment) (int64, error)
	SendReply(ctx context.Context, recipient, text string, replyTo int64) (int64, error)
}

// Watcher runs the reconciler for every registered platform on a fixed
// tick.
type Watcher struct {
	ledger   Ledger
	notifier Notifier
	registry *platform.Registry
	interval time.Duration

	mu       sync.Mutex
	lastTick time.Time
	tracked  map[string]int
}

func New(l Ledger, n Notifier, registry *platform.Registry, interval time.Duration) *Watcher {
	return &Watcher{
		ledger:   l,
		notifier: n,
		registry: registry,
		interval: interval,
		tracked:  make(map[string]int),
	}
}

// Status is a point-in-time view of the loop for the /status endpoint.
type Status struct {
	LastTick time.Time      `json:"last_tick"`
	Interval string         `json:"interval"`
	Tracked  map[string]int `json:"tracked"`
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	tracked := make(map[string]int, len(w.tracked))
	for k, v := range w.tracked {
		tracked[k] = v
	}
	return Status{LastTick: w.lastTick, Interval: w.interval.String(), Tracked: tracked}
}

// Run executes the tick loop until ctx is cancelled. Ticks never overlap:
// the next interval starts only after every platform finished the current
// pass, so tick spacing stretches with upstream latency.
func (w *Watcher) Run(ctx context.Context) {
	slog.Info("watcher starting", slog.Duration("interval", w.interval), slog.Int("platforms", len(w.registry.Adapters())))
	// Kick an immediate pass so we don't wait a full interval after boot.
	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("watcher stopped")
			return
		case <-time.After(w.interval):
			w.tick(ctx)
		}
	}
}

// tick runs one reconcile pass over every platform, sequentially.
func (w *Watcher) tick(ctx context.Context) {
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())
	telemetry.TimeFunc(telemetry.TickDuration, func() {
		for _, adapter := range w.registry.Adapters() {
			if ctx.Err() != nil {
				return
			}
			w.checkPlatform(ctx, adapter)
		}
	})
	if telemetry.WatchTicks != nil {
		telemetry.WatchTicks.Inc()
	}
	w.mu.Lock()
	w.lastTick = time.Now().UTC()
	w.mu.Unlock()
}

// checkPlatform reconciles one platform in two phases. Phase A re-checks
// every tracked creator with a session in flight, which is cheap and
// precise (single lookup by session id). Creators found idle become the
// candidate list for Phase B's bulk probe; only that probe can move a
// creator to live.
func (w *Watcher) checkPlatform(ctx context.Context, adapter platform.Adapter) {
	name := adapter.Platform().String()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("platform", name))
	ctx, span := telemetry.StartSpan(ctx, "watcher", "reconcile "+name)
	defer span.End()

	telemetry.TimeFunc(platformObserver(name), func() {
		var candidates []platform.Creator
		tracked := 0
		err := w.ledger.ScanTracked(ctx, adapter.Platform(), func(c platform.Creator, sessionID string) error {
			tracked++
			if sessionID == "" {
				candidates = append(candidates, c)
				return nil
			}
			w.recheckSession(ctx, adapter, c, sessionID, log)
			return nil
		})
		if err != nil {
			log.Error("tracked scan failed", slog.Any("err", err))
			telemetry.RecordError(span, err)
		}
		w.mu.Lock()
		w.tracked[name] = tracked
		w.mu.Unlock()
		telemetry.SetTrackedCreators(name, tracked)

		// Phase B: bulk-probe the idle creators for new sessions. Partial
		// candidates after a scan failure are still worth probing.
		// Snapshots map back to their ledger entry by creator id: the
		// snapshot carries the platform's current display name, while the
		// ledger is keyed under the cached one.
		byID := make(map[string]platform.Creator, len(candidates))
		for _, c := range candidates {
			byID[c.ID] = c
		}
		for _, snap := range adapter.GetStatusForTracked(ctx, candidates) {
			stored, ok := byID[snap.Creator.ID]
			if !ok {
				log.Warn("bulk probe returned untracked creator", slog.String("creator", snap.Creator.Key()))
				continue
			}
			w.announceStart(ctx, adapter, stored, snap, log)
		}
	})
	telemetry.SetSpanSuccess(span)
}

func platformObserver(name string) prometheus.Observer {
	if telemetry.PlatformDuration == nil {
		return nil
	}
	return telemetry.PlatformDuration.WithLabelValues(name)
}

func incPlatform(vec *prometheus.CounterVec, adapter platform.Adapter) {
	if vec != nil {
		vec.WithLabelValues(adapter.Platform().String()).Inc()
	}
}

// recheckSession handles Phase A for one creator with a session in flight.
func (w *Watcher) recheckSession(ctx context.Context, adapter platform.Adapter, c platform.Creator, sessionID string, log *slog.Logger) {
	snap, err := adapter.GetStatus(ctx, sessionID, "")
	if err != nil || snap == nil {
		// Fail-soft: keep the stored state and re-check next tick.
		incPlatform(telemetry.FetchFailures, adapter)
		log.Warn("session check failed; retrying next tick", slog.String("creator", c.Key()), slog.String("session", sessionID), slog.Any("err", err))
		return
	}
	switch snap.State {
	case platform.StateRunning:
		// Steady state.
	case platform.StateEnded, platform.StateTimedOut:
		w.announceEnd(ctx, adapter, c, snap, log)
	default:
		// Don't lose track of the session, just surface the ambiguity;
		// the next tick re-evaluates.
		incPlatform(telemetry.UnknownStateReports, adapter)
		log.Warn("session in unknown state", slog.String("creator", c.Key()), slog.String("session", sessionID), slog.String("raw_state", snap.RawState))
		w.sendDiagnostic(ctx, adapter, c, snap, log)
	}
}

// announceEnd fans the ended notification out to every recipient holding
// an anchor, clearing each pair's ledger state after its send succeeds.
func (w *Watcher) announceEnd(ctx context.Context, adapter platform.Adapter, c platform.Creator, snap *platform.Snapshot, log *slog.Logger) {
	msg := adapter.FormatMessage(snap)
	err := w.ledger.ScanAnchors(ctx, c, func(a ledger.Anchor) error {
		if _, err := w.notifier.SendReply(ctx, a.Recipient, msg, a.MessageID); err != nil {
			incPlatform(telemetry.NotifyFailures, adapter)
			log.Warn("ended notification failed", slog.String("creator", c.Key()), slog.String("recipient", a.Recipient), slog.Any("err", err))
			return nil
		}
		if err := w.ledger.CommitSessionEnd(ctx, c, a.Recipient); err != nil {
			incPlatform(telemetry.CommitFailures, adapter)
			log.Error("session-end commit failed", slog.String("creator", c.Key()), slog.String("recipient", a.Recipient), slog.Any("err", err))
			return nil
		}
		incPlatform(telemetry.SessionsEnded, adapter)
		return nil
	})
	if err != nil {
		log.Error("anchor scan failed", slog.String("creator", c.Key()), slog.Any("err", err))
	}
}

// sendDiagnostic replies to every current anchor without touching ledger
// state (the Unknown self-loop).
func (w *Watcher) sendDiagnostic(ctx context.Context, adapter platform.Adapter, c platform.Creator, snap *platform.Snapshot, log *slog.Logger) {
	msg := adapter.FormatMessage(snap)
	err := w.ledger.ScanAnchors(ctx, c, func(a ledger.Anchor) error {
		if _, err := w.notifier.SendReply(ctx, a.Recipient, msg, a.MessageID); err != nil {
			incPlatform(telemetry.NotifyFailures, adapter)
			log.Warn("diagnostic notification failed", slog.String("creator", c.Key()), slog.String("recipient", a.Recipient), slog.Any("err", err))
		}
		return nil
	})
	if err != nil {
		log.Error("anchor scan failed", slog.String("creator", c.Key()), slog.Any("err", err))
	}
}

// announceStart handles Phase B for one newly discovered session: a fresh
// notification per subscriber, each followed by its own commit recording
// the session id and the reply anchor. c is the ledger's stored creator.
func (w *Watcher) announceStart(ctx context.Context, adapter platform.Adapter, c platform.Creator, snap platform.Snapshot, log *slog.Logger) {
	recipients, err := w.ledger.Subscribers(ctx, c)
	if err != nil {
		log.Error("subscriber lookup failed", slog.String("creator", c.Key()), slog.Any("err", err))
		return
	}
	if len(recipients) == 0 {
		return
	}
	msg := adapter.FormatMessage(&snap)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(notifyConcurrency)
	for _, recipient := range recipients {
		recipient := recipient
		g.Go(func() error {
			handle, err := w.notifier.SendNew(gctx, recipient, msg, snap.Attach)
			if err != nil {
				incPlatform(telemetry.NotifyFailures, adapter)
				log.Warn("started notification failed", slog.String("creator", c.Key()), slog.String("recipient", recipient), slog.Any("err", err))
				return nil
			}
			if err := w.ledger.CommitSessionStart(gctx, c, recipient, snap.SessionID, handle); err != nil {
				incPlatform(telemetry.CommitFailures, adapter)
				log.Error("session-start commit failed", slog.String("creator", c.Key()), slog.String("recipient", recipient), slog.Any("err", err))
				return nil
			}
			incPlatform(telemetry.SessionsStarted, adapter)
			return nil
		})
	}
	_ = g.Wait()
}
