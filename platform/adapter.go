package platform

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// LiveState classifies a session snapshot. Ended and TimedOut are both
// terminal; TimedOut is reported when a platform stops listing a session
// without an explicit end signal.
type LiveState int

const (
	StateRunning LiveState = iota
	StateEnded
	StateTimedOut
	StateUnknown
)

func (s LiveState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateEnded:
		return "Ended"
	case StateTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// ParseLiveState maps a platform-reported state string onto LiveState.
// Unrecognized values come back as StateUnknown; callers keep the raw
// value on the snapshot for diagnostics.
func ParseLiveState(raw string) LiveState {
	switch raw {
	case "Running":
		return StateRunning
	case "Ended":
		return StateEnded
	case "TimedOut":
		return StateTimedOut
	default:
		return StateUnknown
	}
}

// AttachmentKind selects the Telegram send method for a started
// notification.
type AttachmentKind int

const (
	AttachmentNone AttachmentKind = iota
	AttachmentPhoto
	AttachmentDocument
)

// Attachment references platform media (cover image, profile image)
// included with a started notification.
type Attachment struct {
	Kind AttachmentKind
	URL  string
}

// Snapshot is the normalized view of one live session as reported by a
// platform at a point in time.
type Snapshot struct {
	SessionID string
	URL       string
	Title     string
	Creator   Creator
	Attach    Attachment
	StartedAt time.Time
	State     LiveState
	// RawState carries the platform's own state value when State is
	// StateUnknown.
	RawState string
	// AuthorName is the creator's display name for message rendering;
	// it can differ from the Creator key's cached name.
	AuthorName string
	// ProfileURL/ProfileLabel point at the creator's profile page for
	// message rendering.
	ProfileURL   string
	ProfileLabel string
	// StreamURL is the direct playlist URL when the platform exposes one
	// for a running session.
	StreamURL string
}

// Adapter is implemented once per platform. Fetch failures and malformed
// payloads surface as errors and are handled fail-soft by the watcher; an
// adapter never panics on upstream data.
type Adapter interface {
	Platform() Platform

	// GetStatus fetches the current state of a known session. A nil
	// snapshot with nil error means the platform recognizably reported
	// the session as not found.
	GetStatus(ctx context.Context, sessionID string, lang string) (*Snapshot, error)

	// GetStatusForTracked bulk-probes idle creators for newly started
	// sessions and returns only Running snapshots. Probing is best
	// effort: a failed batch is logged and skipped, and creators with no
	// active session are simply absent from the result.
	GetStatusForTracked(ctx context.Context, creators []Creator) []Snapshot

	// ResolveCreator turns a subscription-URL path into a creator key,
	// hitting the platform API to fill in the missing half of the
	// (id, name) pair.
	ResolveCreator(ctx context.Context, path string) (*Creator, error)

	// FormatMessage renders the notification text for a snapshot in the
	// platform's own wording (MarkdownV2).
	FormatMessage(s *Snapshot) string
}

// Registry holds the configured adapters in scheduler order.
type Registry struct {
	adapters []Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Adapters returns the adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	return r.adapters
}

// ForPlatform returns the adapter registered for p.
func (r *Registry) ForPlatform(p Platform) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Platform() == p {
			return a, true
		}
	}
	return nil, false
}

var schemeRe = regexp.MustCompile(`^https?://`)

// ParseSubscriptionURL resolves a user-supplied URL into the creator it
// refers to. Bare hosts without a scheme are accepted ("x.com/jack").
func (r *Registry) ParseSubscriptionURL(ctx context.Context, raw string) (*Creator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty url")
	}
	if !schemeRe.MatchString(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("hostname not found in %q", raw)
	}
	p, ok := ForHost(host)
	if !ok {
		return nil, fmt.Errorf("unsupported platform: %s", host)
	}
	adapter, ok := r.ForPlatform(p)
	if !ok {
		return nil, fmt.Errorf("no adapter configured for %s", p)
	}
	c, err := adapter.ResolveCreator(ctx, u.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s creator: %w", p, err)
	}
	return c, nil
}
