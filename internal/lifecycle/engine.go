// Package lifecycle is the ride/match state machine. Every mutation runs in
// one store transaction: the ride row is locked, status is re-checked after
// the lock, and the matching outbox events are appended before commit. Two
// racing transitions therefore resolve by commit order; the loser re-reads a
// status that is no longer legal and fails with illegal_transition.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/observability"
	"github.com/example/rideboard/internal/storage"
)

type Engine struct {
	Store  storage.Store
	Logger *slog.Logger

	// Now and NewID are swappable for tests.
	Now   func() time.Time
	NewID func() string
}

func NewEngine(store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{Store: store, Logger: logger, Now: time.Now, NewID: newID}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RoleOf derives the participant's role from the ride kind. The owner of an
// offer drives; the owner of a request rides along. Derived once here and
// stamped into events so downstream consumers never re-infer it.
func RoleOf(kind models.RideKind, isOwner bool) models.Role {
	if (kind == models.KindOffer) == isOwner {
		return models.RoleDriver
	}
	return models.RolePassenger
}

// CreateRideParams is the validated boundary shape for posting a ride.
type CreateRideParams struct {
	Kind           models.RideKind
	Origin         string
	Destination    string
	DepartAt       *time.Time
	Seats          int
	Note           string
	CostShareCents int64
	Currency       string
}

func (e *Engine) CreateRide(ctx context.Context, ownerID string, p CreateRideParams) (*models.Ride, error) {
	if ownerID == "" {
		return nil, errf(CodeValidation, "missing owner")
	}
	if p.Kind != models.KindOffer && p.Kind != models.KindRequest {
		return nil, errf(CodeValidation, "kind must be offer or request")
	}
	if strings.TrimSpace(p.Origin) == "" || strings.TrimSpace(p.Destination) == "" {
		return nil, errf(CodeValidation, "origin and destination are required")
	}
	if p.Seats < 0 {
		return nil, errf(CodeValidation, "seats must be >= 0")
	}
	if p.CostShareCents < 0 {
		return nil, errf(CodeValidation, "cost share must be >= 0")
	}
	if p.CostShareCents > 0 && p.Currency == "" {
		return nil, errf(CodeValidation, "currency required with cost share")
	}

	now := e.Now()
	ride := &models.Ride{
		ID:             e.NewID(),
		OwnerID:        ownerID,
		Kind:           p.Kind,
		Origin:         strings.TrimSpace(p.Origin),
		Destination:    strings.TrimSpace(p.Destination),
		DepartAt:       p.DepartAt,
		Seats:          p.Seats,
		Note:           p.Note,
		CostShareCents: p.CostShareCents,
		Currency:       strings.ToLower(p.Currency),
		Status:         models.RideOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateRide(ctx, ride); err != nil {
			return err
		}
		return e.emit(ctx, tx, models.LifecycleEvent{
			Event:       models.EventRideCreated,
			RideID:      ride.ID,
			RideStatus:  ride.Status,
			RideKind:    ride.Kind,
			Origin:      ride.Origin,
			Destination: ride.Destination,
			ActorID:     ownerID,
			ActorRole:   RoleOf(ride.Kind, true),
		})
	})
	if err != nil {
		return nil, e.wrap("create_ride", err)
	}
	observability.TransitionsTotal.WithLabelValues("create_ride", "ok").Inc()
	return ride, nil
}

// Respond creates a pending match for responderID on an open ride.
func (e *Engine) Respond(ctx context.Context, rideID, responderID string) (*models.Match, error) {
	if responderID == "" {
		return nil, errf(CodeValidation, "missing responder")
	}
	now := e.Now()
	match := &models.Match{
		ID:          e.NewID(),
		RideID:      rideID,
		ResponderID: responderID,
		Status:      models.MatchPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.OwnerID == responderID {
			return errf(CodeValidation, "cannot respond to your own ride")
		}
		if ride.Status != models.RideOpen {
			return errf(CodeRideNotOpen, "ride %s is %s", rideID, ride.Status)
		}
		siblings, err := tx.MatchesByRide(ctx, rideID)
		if err != nil {
			return err
		}
		for _, m := range siblings {
			if m.ResponderID == responderID &&
				(m.Status == models.MatchPending || m.Status.Confirmed()) {
				return errf(CodeDuplicateResponse, "already responded to ride %s", rideID)
			}
		}
		if err := tx.CreateMatch(ctx, match); err != nil {
			return err
		}
		return e.emit(ctx, tx, models.LifecycleEvent{
			Event:       models.EventResponded,
			RideID:      ride.ID,
			RideStatus:  ride.Status,
			RideKind:    ride.Kind,
			MatchID:     match.ID,
			MatchStatus: match.Status,
			ActorID:     responderID,
			ActorRole:   RoleOf(ride.Kind, false),
			RecipientID: ride.OwnerID,
		})
	})
	if err != nil {
		return nil, e.wrap("respond", err)
	}
	observability.TransitionsTotal.WithLabelValues("respond", "ok").Inc()
	return match, nil
}

// Withdraw retracts the caller's own pending match.
func (e *Engine) Withdraw(ctx context.Context, matchID, responderID string) error {
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		m, err := tx.MatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if m.ResponderID != responderID {
			return errf(CodeForbidden, "match %s is not yours", matchID)
		}
		if m.Status != models.MatchPending {
			return errf(CodeIllegalTransition, "match %s is %s, only pending matches can be withdrawn", matchID, m.Status)
		}
		// non-locking read: ride is context for the event only, and locking
		// it here would invert the ride-then-match lock order Confirm uses
		ride, err := tx.GetRide(ctx, m.RideID)
		if err != nil {
			return err
		}
		if err := tx.SetMatchStatus(ctx, m.ID, models.MatchWithdrawn); err != nil {
			return err
		}
		return e.emit(ctx, tx, models.LifecycleEvent{
			Event:       models.EventWithdrawn,
			RideID:      ride.ID,
			RideStatus:  ride.Status,
			RideKind:    ride.Kind,
			MatchID:     m.ID,
			MatchStatus: models.MatchWithdrawn,
			ActorID:     responderID,
			ActorRole:   RoleOf(ride.Kind, false),
			RecipientID: ride.OwnerID,
		})
	})
	if err != nil {
		return e.wrap("withdraw", err)
	}
	observability.TransitionsTotal.WithLabelValues("withdraw", "ok").Inc()
	return nil
}

// Confirm accepts one pending match. In the same transaction the ride moves
// to matched and every sibling pending match is rejected, so the
// single-confirmed-match rule can never be observed broken.
func (e *Engine) Confirm(ctx context.Context, rideID, matchID, ownerID string) error {
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.OwnerID != ownerID {
			return errf(CodeForbidden, "ride %s is not yours", rideID)
		}
		if ride.Status != models.RideOpen {
			return errf(CodeIllegalTransition, "ride %s is %s, cannot confirm", rideID, ride.Status)
		}
		chosen, err := tx.MatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if chosen.RideID != rideID {
			return errf(CodeNotFound, "match %s does not belong to ride %s", matchID, rideID)
		}
		if chosen.Status != models.MatchPending {
			return errf(CodeIllegalTransition, "match %s is %s, cannot confirm", matchID, chosen.Status)
		}

		if err := tx.SetMatchStatus(ctx, chosen.ID, models.MatchAccepted); err != nil {
			return err
		}
		if err := tx.SetRideStatus(ctx, rideID, models.RideMatched); err != nil {
			return err
		}

		base := models.LifecycleEvent{
			RideID:         rideID,
			RideStatus:     models.RideMatched,
			RideKind:       ride.Kind,
			ActorID:        ownerID,
			ActorRole:      RoleOf(ride.Kind, true),
			CostShareCents: ride.CostShareCents,
			Currency:       ride.Currency,
		}
		confirmed := base
		confirmed.Event = models.EventConfirmed
		confirmed.MatchID = chosen.ID
		confirmed.MatchStatus = models.MatchAccepted
		confirmed.RecipientID = chosen.ResponderID
		if err := e.emit(ctx, tx, confirmed); err != nil {
			return err
		}

		siblings, err := tx.MatchesByRide(ctx, rideID)
		if err != nil {
			return err
		}
		for _, m := range siblings {
			if m.ID == chosen.ID || m.Status != models.MatchPending {
				continue
			}
			if err := tx.SetMatchStatus(ctx, m.ID, models.MatchRejected); err != nil {
				return err
			}
			rejected := base
			rejected.Event = models.EventRejected
			rejected.MatchID = m.ID
			rejected.MatchStatus = models.MatchRejected
			rejected.RecipientID = m.ResponderID
			rejected.CostShareCents = 0
			rejected.Currency = ""
			if err := e.emit(ctx, tx, rejected); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.wrap("confirm", err)
	}
	observability.TransitionsTotal.WithLabelValues("confirm", "ok").Inc()
	return nil
}

// rideTransitions is the whole legal table. Everything else, including any
// move out of a terminal status, is illegal.
var rideTransitions = map[models.RideStatus][]models.RideStatus{
	models.RideOpen:       {models.RideCancelled},
	models.RideMatched:    {models.RideInProgress, models.RideCompleted, models.RideCancelled},
	models.RideInProgress: {models.RideCompleted, models.RideCancelled},
}

func transitionAllowed(from, to models.RideStatus) bool {
	for _, t := range rideTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

var validRideStatus = map[models.RideStatus]bool{
	models.RideOpen: true, models.RideMatched: true, models.RideInProgress: true,
	models.RideCompleted: true, models.RideCancelled: true,
}

// SetStatus moves a ride along the execution path. Cancelling an open ride
// needs only the owner; every other legal move needs a participant of the
// confirmed match. Completion also completes the confirmed match.
func (e *Engine) SetStatus(ctx context.Context, rideID string, next models.RideStatus, callerID string) error {
	if !validRideStatus[next] {
		return errf(CodeValidation, "unknown status %q", next)
	}
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if !transitionAllowed(ride.Status, next) {
			return errf(CodeIllegalTransition, "ride %s: %s -> %s not allowed", rideID, ride.Status, next)
		}

		if ride.Status == models.RideOpen {
			// open -> cancelled, the only cell with no confirmed match
			if ride.OwnerID != callerID {
				return errf(CodeForbidden, "ride %s is not yours", rideID)
			}
			if err := tx.SetRideStatus(ctx, rideID, next); err != nil {
				return err
			}
			// cancelling an open ride closes out its pending responses
			siblings, err := tx.MatchesByRide(ctx, rideID)
			if err != nil {
				return err
			}
			for _, m := range siblings {
				if m.Status != models.MatchPending {
					continue
				}
				if err := tx.SetMatchStatus(ctx, m.ID, models.MatchCancelled); err != nil {
					return err
				}
				if err := e.emit(ctx, tx, models.LifecycleEvent{
					Event:       models.EventStatusChanged,
					RideID:      rideID,
					RideStatus:  next,
					RideKind:    ride.Kind,
					MatchID:     m.ID,
					MatchStatus: models.MatchCancelled,
					ActorID:     callerID,
					ActorRole:   RoleOf(ride.Kind, true),
					RecipientID: m.ResponderID,
				}); err != nil {
					return err
				}
			}
			return nil
		}

		confirmed, err := confirmedOf(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if confirmed == nil {
			return errf(CodeNoActiveMatch, "ride %s has no confirmed match", rideID)
		}
		isOwner := callerID == ride.OwnerID
		if !isOwner && callerID != confirmed.ResponderID {
			return errf(CodeForbidden, "only participants can change ride %s", rideID)
		}

		if err := tx.SetRideStatus(ctx, rideID, next); err != nil {
			return err
		}
		matchStatus := confirmed.Status
		switch next {
		case models.RideCompleted:
			matchStatus = models.MatchCompleted
		case models.RideCancelled:
			matchStatus = models.MatchCancelled
		}
		if matchStatus != confirmed.Status {
			if err := tx.SetMatchStatus(ctx, confirmed.ID, matchStatus); err != nil {
				return err
			}
		}

		counterpart := confirmed.ResponderID
		if !isOwner {
			counterpart = ride.OwnerID
		}
		return e.emit(ctx, tx, models.LifecycleEvent{
			Event:          models.EventStatusChanged,
			RideID:         rideID,
			RideStatus:     next,
			RideKind:       ride.Kind,
			MatchID:        confirmed.ID,
			MatchStatus:    matchStatus,
			ActorID:        callerID,
			ActorRole:      RoleOf(ride.Kind, isOwner),
			RecipientID:    counterpart,
			CostShareCents: ride.CostShareCents,
			Currency:       ride.Currency,
		})
	})
	if err != nil {
		return e.wrap("set_status", err)
	}
	observability.TransitionsTotal.WithLabelValues("set_status", "ok").Inc()
	return nil
}

// SubmitRating records a one-shot, immutable rating after completion.
func (e *Engine) SubmitRating(ctx context.Context, rideID, raterID, targetID string, role models.Role, stars int) (*models.Rating, error) {
	if stars < 1 || stars > 5 {
		return nil, errf(CodeInvalidStars, "stars must be between 1 and 5")
	}
	now := e.Now()
	rating := &models.Rating{
		RideID:    rideID,
		RaterID:   raterID,
		TargetID:  targetID,
		Stars:     stars,
		CreatedAt: now,
	}
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideCompleted {
			return errf(CodeNotCompleted, "ride %s is %s, ratings open after completion", rideID, ride.Status)
		}
		confirmed, err := confirmedOf(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if confirmed == nil {
			return errf(CodeNoActiveMatch, "ride %s has no confirmed match", rideID)
		}
		participants := map[string]bool{ride.OwnerID: true, confirmed.ResponderID: true}
		if !participants[raterID] {
			return errf(CodeNotParticipant, "user %s did not take part in ride %s", raterID, rideID)
		}
		wantTarget := confirmed.ResponderID
		if raterID != ride.OwnerID {
			wantTarget = ride.OwnerID
		}
		if targetID != wantTarget {
			return errf(CodeValidation, "target must be your ride counterpart")
		}
		// role for the target is derived, not trusted; a caller-supplied
		// role only needs to agree when present
		derived := RoleOf(ride.Kind, targetID == ride.OwnerID)
		if role != "" && role != derived {
			return errf(CodeValidation, "role mismatch: %s is the %s", targetID, derived)
		}
		rating.TargetRole = derived

		dup, err := tx.HasRating(ctx, rideID, raterID)
		if err != nil {
			return err
		}
		if dup {
			return errf(CodeAlreadyRated, "already rated ride %s", rideID)
		}
		if err := tx.CreateRating(ctx, rating); err != nil {
			return err
		}
		return e.emit(ctx, tx, models.LifecycleEvent{
			Event:       models.EventRatingReceived,
			RideID:      rideID,
			RideStatus:  ride.Status,
			RideKind:    ride.Kind,
			MatchID:     confirmed.ID,
			ActorID:     raterID,
			ActorRole:   RoleOf(ride.Kind, raterID == ride.OwnerID),
			RecipientID: targetID,
			Stars:       stars,
		})
	})
	if err != nil {
		return nil, e.wrap("submit_rating", err)
	}
	observability.TransitionsTotal.WithLabelValues("submit_rating", "ok").Inc()
	return rating, nil
}

func confirmedOf(ctx context.Context, tx storage.Tx, rideID string) (*models.Match, error) {
	matches, err := tx.MatchesByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		if matches[i].Status.Confirmed() {
			return &matches[i], nil
		}
	}
	return nil, nil
}

// emit appends the event to the outbox inside the current transaction.
func (e *Engine) emit(ctx context.Context, tx storage.Tx, p models.LifecycleEvent) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return tx.AppendEvent(ctx, &models.Event{
		ID:        e.NewID(),
		Name:      p.Event,
		RideID:    p.RideID,
		Payload:   payload,
		CreatedAt: e.Now(),
	})
}

func (e *Engine) wrap(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		observability.TransitionsTotal.WithLabelValues(op, "rejected").Inc()
		return errf(CodeNotFound, "%s: %v", op, err)
	}
	var de *Error
	if errors.As(err, &de) {
		observability.TransitionsTotal.WithLabelValues(op, "rejected").Inc()
		return err
	}
	observability.TransitionsTotal.WithLabelValues(op, "error").Inc()
	if e.Logger != nil {
		e.Logger.Error("lifecycle operation failed", "op", op, "error", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
