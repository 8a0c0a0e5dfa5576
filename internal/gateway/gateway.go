// Package gateway is the HTTP surface of the restaurant appliance. It mints
// voice session grants for clients, exposes admin routes for menu upkeep,
// and serves the operational endpoints (/healthz, /readyz, /metrics).
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platevoice/platevoice/internal/credential"
	"github.com/platevoice/platevoice/internal/health"
	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/internal/menu/postgres"
	"github.com/platevoice/platevoice/internal/observe"
	"github.com/platevoice/platevoice/internal/resilience"
	"github.com/platevoice/platevoice/internal/voice"
)

// maxBodyBytes bounds request bodies on all JSON routes.
const maxBodyBytes = 1 << 20

// Server routes gateway requests. Construct with New and mount via Handler.
type Server struct {
	issuer     voice.CredentialSource
	menus      *postgres.Store
	hc         *health.Handler
	metrics    *observe.Metrics
	logger     *slog.Logger
	defaultCtx string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics attaches request metrics to the gateway middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDefaultContext sets the serving context applied when a grant request
// omits one.
func WithDefaultContext(ctx string) Option {
	return func(s *Server) { s.defaultCtx = ctx }
}

// New constructs the gateway around a credential issuer, the menu store's
// write side, and the health handler. menus may be nil when the appliance
// runs without admin routes.
func New(issuer voice.CredentialSource, menus *postgres.Store, hc *health.Handler, opts ...Option) *Server {
	s := &Server{
		issuer: issuer,
		menus:  menus,
		hc:     hc,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the full route table. Application routes are wrapped in the
// observability middleware; /metrics and the health probes are not.
func (s *Server) Handler() http.Handler {
	app := http.NewServeMux()
	app.HandleFunc("POST "+credential.GrantPath, s.handleMintSession)
	if s.menus != nil {
		app.HandleFunc("PUT /admin/restaurants/{restaurant}/menu/items", s.handleUpsertItem)
		app.HandleFunc("PATCH /admin/menu/items/{item}/availability", s.handleSetAvailability)
	}

	root := http.NewServeMux()
	root.Handle("/", observe.Middleware(s.metrics)(app))
	root.Handle("GET /metrics", promhttp.Handler())
	if s.hc != nil {
		s.hc.Register(root)
	}
	return root
}

// handleMintSession serves POST /voice/sessions: a credential grant plus the
// restaurant's menu snapshot.
func (s *Server) handleMintSession(w http.ResponseWriter, r *http.Request) {
	var req credential.GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RestaurantID == "" {
		s.writeError(w, http.StatusBadRequest, "restaurant_id is required")
		return
	}
	if req.Context == "" {
		req.Context = s.defaultCtx
	}

	cred, snap, err := s.issuer.Issue(r.Context(), req.RestaurantID, req.Context)
	switch {
	case err == nil:
	case errors.Is(err, voice.ErrInvalidContext):
		s.writeError(w, http.StatusBadRequest, "unknown serving context")
		return
	case errors.Is(err, postgres.ErrRestaurantNotFound):
		s.writeError(w, http.StatusNotFound, "restaurant not found")
		return
	case errors.Is(err, resilience.ErrCircuitOpen):
		s.logger.Warn("session mint rejected by open circuit",
			"restaurant_id", req.RestaurantID)
		s.writeError(w, http.StatusServiceUnavailable, "voice ordering is temporarily unavailable")
		return
	default:
		s.logger.Error("session mint failed",
			"restaurant_id", req.RestaurantID,
			"context", req.Context,
			"error", err)
		s.writeError(w, http.StatusBadGateway, "could not start a voice session")
		return
	}

	s.logger.Info("session grant issued",
		"restaurant_id", req.RestaurantID,
		"context", req.Context,
		"expires_at", cred.ExpiresAt,
		"menu_items", len(snap.Items))

	writeJSON(w, http.StatusOK, credential.Grant{
		Credential: credential.GrantCredential{
			Token:     cred.Token,
			Model:     cred.Model,
			BaseURL:   cred.BaseURL,
			ExpiresAt: cred.ExpiresAt,
		},
		Menu: snap,
	})
}

// handleUpsertItem serves PUT /admin/restaurants/{restaurant}/menu/items.
func (s *Server) handleUpsertItem(w http.ResponseWriter, r *http.Request) {
	restaurantID := r.PathValue("restaurant")
	if restaurantID == "" {
		s.writeError(w, http.StatusBadRequest, "restaurant is required")
		return
	}

	var item menu.Item
	if err := decodeJSON(w, r, &item); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid item body")
		return
	}
	if item.ID == "" || strings.TrimSpace(item.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "item id and name are required")
		return
	}
	if item.PriceCents < 0 {
		s.writeError(w, http.StatusBadRequest, "price must not be negative")
		return
	}

	if err := s.menus.Upsert(r.Context(), restaurantID, item); err != nil {
		s.logger.Error("menu upsert failed",
			"restaurant_id", restaurantID,
			"item_id", item.ID,
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "could not store menu item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "item_id": item.ID})
}

// availabilityRequest is the PATCH body for item availability.
type availabilityRequest struct {
	Available bool `json:"available"`
}

// handleSetAvailability serves PATCH /admin/menu/items/{item}/availability.
// Eighty-sixed items drop out of the next session's snapshot.
func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("item")
	if itemID == "" {
		s.writeError(w, http.StatusBadRequest, "item is required")
		return
	}

	var req availabilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.menus.SetAvailability(r.Context(), itemID, req.Available)
	switch {
	case err == nil:
	case errors.Is(err, postgres.ErrItemNotFound):
		s.writeError(w, http.StatusNotFound, "menu item not found")
		return
	default:
		s.logger.Error("availability update failed",
			"item_id", itemID,
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "could not update availability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
