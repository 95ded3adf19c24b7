// Package ledger is the data-model layer over the Redis subscription store.
//
// Wire layout (kept compatible with prior deployments):
//   - hash "subs": field = encoded creator key, value = current session id
//     (empty string = idle)
//   - one hash per creator, keyed by the encoded creator key: field =
//     recipient chat id, value = anchor message id (0 = none)
//
// A creator appears in "subs" iff it has at least one subscriber. Commits
// that touch both hashes go through a MULTI/EXEC transaction so the tracked
// index and the anchors can never diverge on a partial write.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/telescope-bot/telescope/platform"
)

// trackedIndexKey is the outer hash holding creator -> session id.
const trackedIndexKey = "subs"

// scanBatch is the COUNT hint passed to HSCAN.
const scanBatch = 100

// Config configures the Redis connection backing the ledger.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Connect builds the Redis client for a ledger. The caller owns closing it.
func Connect(cfg Config) (redis.UniversalClient, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	return client, nil
}

// Ledger owns all persisted subscription state.
type Ledger struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Ledger {
	return &Ledger{client: client}
}

// Ping checks store reachability (used by health probes).
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Anchor pairs a recipient with its outstanding notification handle for the
// creator's current session. Anchor 0 means no message to reply to.
type Anchor struct {
	Recipient string
	MessageID int64
}

// ScanTracked enumerates the tracked creators of one platform together with
// their current session ids. The enumeration is point-in-time: entries added
// or removed concurrently may or may not appear. Malformed index entries are
// logged and skipped. fn returning an error stops the scan.
func (l *Ledger) ScanTracked(ctx context.Context, p platform.Platform, fn func(c platform.Creator, sessionID string) error) error {
	iter := l.client.HScan(ctx, trackedIndexKey, 0, p.String()+":*", scanBatch).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		sessionID := iter.Val()
		c, err := platform.ParseCreatorKey(field)
		if err != nil {
			slog.Error("ledger: invalid tracked-index entry", slog.String("field", field), slog.Any("err", err))
			continue
		}
		if err := fn(c, sessionID); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan tracked creators: %w", err)
	}
	return nil
}

// ScanAnchors enumerates (recipient, anchor) pairs for one creator with the
// same point-in-time semantics as ScanTracked.
func (l *Ledger) ScanAnchors(ctx context.Context, c platform.Creator, fn func(a Anchor) error) error {
	iter := l.client.HScan(ctx, c.Key(), 0, "", scanBatch).Iterator()
	for iter.Next(ctx) {
		recipient := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		raw := iter.Val()
		msgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Error("ledger: invalid anchor value", slog.String("creator", c.Key()), slog.String("recipient", recipient), slog.String("value", raw))
			continue
		}
		if err := fn(Anchor{Recipient: recipient, MessageID: msgID}); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan anchors for %s: %w", c.Key(), err)
	}
	return nil
}

// Subscribers returns the recipients subscribed to a creator.
func (l *Ledger) Subscribers(ctx context.Context, c platform.Creator) ([]string, error) {
	recipients, err := l.client.HKeys(ctx, c.Key()).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers for %s: %w", c.Key(), err)
	}
	return recipients, nil
}

// CommitSessionStart atomically records the creator's new session and the
// recipient's notification anchor.
func (l *Ledger) CommitSessionStart(ctx context.Context, c platform.Creator, recipient, sessionID string, anchor int64) error {
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, trackedIndexKey, c.Key(), sessionID)
	pipe.HSet(ctx, c.Key(), recipient, anchor)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit session start for %s: %w", c.Key(), err)
	}
	return nil
}

// CommitSessionEnd atomically returns the creator to idle and clears the
// recipient's anchor. Calling it for an already-cleared pair is a no-op.
func (l *Ledger) CommitSessionEnd(ctx context.Context, c platform.Creator, recipient string) error {
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, trackedIndexKey, c.Key(), "")
	pipe.HSet(ctx, c.Key(), recipient, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit session end for %s: %w", c.Key(), err)
	}
	return nil
}

// Subscribed reports whether the recipient already holds a subscription to
// the creator.
func (l *Ledger) Subscribed(ctx context.Context, c platform.Creator, recipient string) (bool, error) {
	ok, err := l.client.HExists(ctx, c.Key(), recipient).Result()
	if err != nil {
		return false, fmt.Errorf("check subscription for %s: %w", c.Key(), err)
	}
	return ok, nil
}

// Subscribe adds a recipient to a creator, creating the tracked-index entry
// on first subscription. Existing session state and anchors are preserved.
func (l *Ledger) Subscribe(ctx context.Context, c platform.Creator, recipient string) error {
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	pipe := l.client.TxPipeline()
	pipe.HSetNX(ctx, trackedIndexKey, c.Key(), "")
	pipe.HSetNX(ctx, c.Key(), recipient, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", recipient, c.Key(), err)
	}
	return nil
}

// Unsubscribe removes a recipient from a creator. When the last subscriber
// leaves, the creator is dropped from the tracked index. The emptiness check
// runs after the delete, so a concurrent Subscribe can lose the index entry
// only if it lands between the two commands; the next Subscribe recreates it.
func (l *Ledger) Unsubscribe(ctx context.Context, c platform.Creator, recipient string) error {
	if err := l.client.HDel(ctx, c.Key(), recipient).Err(); err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", recipient, c.Key(), err)
	}
	remaining, err := l.client.HLen(ctx, c.Key()).Result()
	if err != nil {
		return fmt.Errorf("count subscribers for %s: %w", c.Key(), err)
	}
	if remaining == 0 {
		if err := l.client.HDel(ctx, trackedIndexKey, c.Key()).Err(); err != nil {
			return fmt.Errorf("drop tracked entry for %s: %w", c.Key(), err)
		}
	}
	return nil
}

// Record is one tracked creator with its full subscription state, as
// returned by List.
type Record struct {
	Creator   platform.Creator
	SessionID string
	Anchors   []Anchor
}

// List returns the entire ledger contents across all platforms. Intended
// for the admin surface, not the hot path.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	entries, err := l.client.HGetAll(ctx, trackedIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tracked creators: %w", err)
	}
	records := make([]Record, 0, len(entries))
	for field, sessionID := range entries {
		c, err := platform.ParseCreatorKey(field)
		if err != nil {
			slog.Error("ledger: invalid tracked-index entry", slog.String("field", field), slog.Any("err", err))
			continue
		}
		rec := Record{Creator: c, SessionID: sessionID}
		if err := l.ScanAnchors(ctx, c, func(a Anchor) error {
			rec.Anchors = append(rec.Anchors, a)
			return nil
		}); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
