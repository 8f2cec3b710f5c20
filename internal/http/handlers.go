package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rideboard/internal/lifecycle"
	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/storage"
	"github.com/example/rideboard/internal/visibility"
)

// Server is the lifecycle engine's HTTP surface. Session authentication and
// CSRF live in the fronting layer, which forwards the authenticated user in
// the X-User-ID header; mutations without it are rejected.
type Server struct {
	Engine *lifecycle.Engine
	Store  storage.Store

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *lifecycle.Engine, store storage.Store, logger *slog.Logger) *Server {
	s := &Server{Engine: engine, Store: store, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.Handle("/rides", s.authed(s.handleCreateRide)).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.Handle("/rides/{id}/respond", s.authed(s.handleRespond)).Methods("POST")
	api.Handle("/rides/{id}/confirm", s.authed(s.handleConfirm)).Methods("POST")
	api.Handle("/rides/{id}/status", s.authed(s.handleSetStatus)).Methods("POST")
	api.Handle("/rides/{id}/ratings", s.authed(s.handleSubmitRating)).Methods("POST")
	api.Handle("/matches/{id}/withdraw", s.authed(s.handleWithdraw)).Methods("POST")
	api.Handle("/matches", s.authed(s.handleMyMatches)).Methods("GET")

	api.Handle("/notifications", s.authed(s.handleListNotifications)).Methods("GET")
	api.Handle("/notifications/{id}/read", s.authed(s.handleMarkRead)).Methods("POST")
	api.Handle("/push/subscriptions", s.authed(s.handleUpsertSubscription)).Methods("PUT")
	api.Handle("/push/subscriptions", s.authed(s.handleDeleteSubscription)).Methods("DELETE")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

type createRideRequest struct {
	Kind           models.RideKind `json:"kind"`
	Origin         string          `json:"origin"`
	Destination    string          `json:"destination"`
	DepartAt       *time.Time      `json:"depart_at"`
	Seats          int             `json:"seats"`
	Note           string          `json:"note"`
	CostShareCents int64           `json:"cost_share_cents"`
	Currency       string          `json:"currency"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRideRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ride, err := s.Engine.CreateRide(r.Context(), userID, lifecycle.CreateRideParams{
		Kind:           req.Kind,
		Origin:         req.Origin,
		Destination:    req.Destination,
		DepartAt:       req.DepartAt,
		Seats:          req.Seats,
		Note:           req.Note,
		CostShareCents: req.CostShareCents,
		Currency:       req.Currency,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "ride": ride})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	f := storage.RideFilter{Limit: 100}
	q := r.URL.Query()
	if q.Get("mine") == "1" {
		userID := userIDFrom(r)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthenticated"})
			return
		}
		f.OwnerID = userID
	} else if q.Get("status") != "" {
		f.Status = models.RideStatus(q.Get("status"))
	} else {
		f.Status = models.RideOpen
	}
	rides, err := s.Store.ListRides(r.Context(), f)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rides": rides})
}

// rideDetail is the read model behind the ride page: current statuses, the
// viewer's contact verdict and whether the viewer already rated.
type rideDetail struct {
	Ride         *models.Ride        `json:"ride"`
	Matches      []models.Match      `json:"matches,omitempty"` // owner only
	MyMatch      *models.Match       `json:"my_match,omitempty"`
	Contact      visibility.Decision `json:"contact"`
	AlreadyRated bool                `json:"already_rated"`
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rideID := mux.Vars(r)["id"]
	viewerID := userIDFrom(r)

	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	matches, err := s.Store.MatchesByRide(ctx, rideID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var confirmed, mine *models.Match
	viewerPending := false
	for i := range matches {
		m := &matches[i]
		if m.Status.Confirmed() {
			confirmed = m
		}
		if m.ResponderID == viewerID {
			mine = m
			if m.Status == models.MatchPending {
				viewerPending = true
			}
		}
	}

	ownerCard := s.cardOf(r, ride.OwnerID)
	var responderCard *models.ContactCard
	if confirmed != nil {
		responderCard = s.cardOf(r, confirmed.ResponderID)
	}

	detail := rideDetail{
		Ride:    ride,
		MyMatch: mine,
		Contact: visibility.Decide(ride, confirmed, viewerID, ownerCard, responderCard, viewerPending),
	}
	if viewerID == ride.OwnerID {
		detail.Matches = matches
	}
	if viewerID != "" {
		rated, err := s.Store.HasRating(ctx, rideID, viewerID)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		detail.AlreadyRated = rated
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "detail": detail})
}

func (s *Server) cardOf(r *http.Request, userID string) *models.ContactCard {
	card, err := s.Store.ContactCard(r.Context(), userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("contact card lookup failed", "user", userID, "error", err)
		}
		return nil
	}
	return card
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, userID string) {
	match, err := s.Engine.Respond(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "match_id": match.ID})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.Engine.Withdraw(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		MatchID string `json:"match_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.MatchID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "validation", "detail": "match_id is required"})
		return
	}
	if err := s.Engine.Confirm(r.Context(), mux.Vars(r)["id"], req.MatchID, userID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Status models.RideStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.Engine.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status, userID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		TargetUserID string      `json:"target_user_id"`
		Role         models.Role `json:"role"`
		Stars        int         `json:"stars"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	rating, err := s.Engine.SubmitRating(r.Context(), mux.Vars(r)["id"], userID, req.TargetUserID, req.Role, req.Stars)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rating": rating})
}

// matchView is the my-responses read model: the match plus enough of the
// ride to render a list row.
type matchView struct {
	models.Match
	RideStatus   models.RideStatus `json:"ride_status"`
	Origin       string            `json:"origin"`
	Destination  string            `json:"destination"`
	AlreadyRated bool              `json:"already_rated"`
}

func (s *Server) handleMyMatches(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	matches, err := s.Store.MatchesByResponder(ctx, userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	views := make([]matchView, 0, len(matches))
	for _, m := range matches {
		ride, err := s.Store.GetRide(ctx, m.RideID)
		if errors.Is(err, storage.ErrNotFound) {
			// dangling match: nothing sensible to render without its ride
			s.logger.Warn("match references missing ride", "match", m.ID, "ride", m.RideID)
			continue
		}
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		v := matchView{Match: m}
		v.RideStatus = ride.Status
		v.Origin = ride.Origin
		v.Destination = ride.Destination
		if ride.Status == models.RideCompleted {
			v.AlreadyRated, _ = s.Store.HasRating(ctx, m.RideID, userID)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "matches": views})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	notifs, err := s.Store.ListNotifications(r.Context(), userID, 50)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notifications": notifs})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "validation"})
		return
	}
	if err := s.Store.MarkNotificationRead(r.Context(), id, userID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Endpoint  string `json:"endpoint"`
		P256dh    string `json:"p256dh"`
		Auth      string `json:"auth"`
		UserAgent string `json:"user_agent"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "validation", "detail": "endpoint, p256dh and auth are required"})
		return
	}
	sub := &models.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.P256dh,
		Auth:      req.Auth,
		UserAgent: req.UserAgent,
	}
	if err := s.Store.UpsertPushSubscription(r.Context(), sub); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.Store.DeletePushSubscription(r.Context(), req.Endpoint, userID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &lifecycle.Error{Code: lifecycle.CodeValidation}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to their stable code and status; anything
// else is logged and surfaced as a generic server error.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not_found"})
		return
	}
	if code := lifecycle.CodeOf(err); code != "" {
		writeJSON(w, lifecycle.HTTPStatus(code), map[string]any{"ok": false, "error": string(code), "detail": err.Error()})
		return
	}
	logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "server_error"})
}
