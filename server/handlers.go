package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/telescope-bot/telescope/ledger"
	"github.com/telescope-bot/telescope/platform"
	"github.com/telescope-bot/telescope/telemetry"
	"github.com/telescope-bot/telescope/watcher"
)

// SubscriptionStore is the slice of the ledger the API needs.
type SubscriptionStore interface {
	Ping(ctx context.Context) error
	List(ctx context.Context) ([]ledger.Record, error)
	Subscribe(ctx context.Context, c platform.Creator, recipient string) error
	Unsubscribe(ctx context.Context, c platform.Creator, recipient string) error
}

// StatusSource reports the watcher loop's current state.
type StatusSource interface {
	Status() watcher.Status
}

// Deps carries the handler dependencies.
type Deps struct {
	Store    SubscriptionStore
	Watcher  StatusSource
	Registry *platform.Registry
}

// Handlers contains the HTTP handlers with their dependencies.
type Handlers struct {
	store    SubscriptionStore
	watcher  StatusSource
	registry *platform.Registry
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{store: deps.Store, watcher: deps.Watcher, registry: deps.Registry}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probes by checking ledger connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"ledger", func() error { return h.store.Ping(r.Context()) }},
		{"platforms", func() error {
			if len(h.registry.Adapters()) == 0 {
				return fmt.Errorf("no platform adapters configured")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the watcher loop state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.watcher.Status())
}

type subscriptionRequest struct {
	URL       string `json:"url"`
	Recipient string `json:"recipient"`
}

type subscriptionEntry struct {
	Platform   string   `json:"platform"`
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	SessionID  string   `json:"session_id,omitempty"`
	Recipients []string `json:"recipients"`
}

// HandleSubscriptions serves the subscription admin surface. GET lists the
// full ledger, POST subscribes a recipient to the creator a URL refers to,
// DELETE removes the pair (and the creator's tracking once no recipients
// remain).
func (h *Handlers) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleSubscriptionsList(w, r)
	case http.MethodPost:
		h.handleSubscriptionsChange(w, r, true)
	case http.MethodDelete:
		h.handleSubscriptionsChange(w, r, false)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleSubscriptionsList(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("subscription list failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	entries := make([]subscriptionEntry, 0, len(records))
	for _, rec := range records {
		e := subscriptionEntry{
			Platform:  rec.Creator.Platform.String(),
			ID:        rec.Creator.ID,
			Name:      rec.Creator.Name,
			SessionID: rec.SessionID,
		}
		for _, a := range rec.Anchors {
			e.Recipients = append(e.Recipients, a.Recipient)
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": entries})
}

func (h *Handlers) handleSubscriptionsChange(w http.ResponseWriter, r *http.Request, subscribe bool) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" || req.Recipient == "" {
		http.Error(w, "url and recipient are required", http.StatusBadRequest)
		return
	}
	creator, err := h.registry.ParseSubscriptionURL(r.Context(), req.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	if subscribe {
		if err := h.store.Subscribe(r.Context(), *creator, req.Recipient); err != nil {
			log.Error("subscribe failed", slog.String("creator", creator.Key()), slog.Any("err", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		log.Info("subscribed", slog.String("creator", creator.Key()), slog.String("recipient", req.Recipient))
	} else {
		if err := h.store.Unsubscribe(r.Context(), *creator, req.Recipient); err != nil {
			log.Error("unsubscribe failed", slog.String("creator", creator.Key()), slog.Any("err", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		log.Info("unsubscribed", slog.String("creator", creator.Key()), slog.String("recipient", req.Recipient))
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"platform": creator.Platform.String(),
		"id":       creator.ID,
		"name":     creator.Name,
	})
}
