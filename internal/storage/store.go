package storage

import (
	"context"
	"errors"

	"github.com/example/rideboard/internal/models"
)

// ErrNotFound is returned whenever a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// Tx is the view of the store available inside a lifecycle transaction.
// The *ForUpdate reads lock the row for the duration of the transaction;
// callers must re-check status on the returned value before acting, which is
// what makes racing transitions lose cleanly instead of double-applying.
type Tx interface {
	RideForUpdate(ctx context.Context, id string) (*models.Ride, error)
	// GetRide reads without locking. Used where the ride is context only,
	// to keep every locking path ordered ride-then-match.
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	MatchForUpdate(ctx context.Context, id string) (*models.Match, error)
	MatchesByRide(ctx context.Context, rideID string) ([]models.Match, error)

	CreateRide(ctx context.Context, r *models.Ride) error
	CreateMatch(ctx context.Context, m *models.Match) error
	SetRideStatus(ctx context.Context, id string, status models.RideStatus) error
	SetMatchStatus(ctx context.Context, id string, status models.MatchStatus) error

	HasRating(ctx context.Context, rideID, raterID string) (bool, error)
	CreateRating(ctx context.Context, r *models.Rating) error

	AppendEvent(ctx context.Context, ev *models.Event) error
}

// RideFilter narrows ListRides. Zero value lists open rides.
type RideFilter struct {
	OwnerID string
	Status  models.RideStatus
	Limit   int
}

// Store is the persistence boundary shared by the API server and the
// notifier. All lifecycle mutations go through InTx; the remaining methods
// are single-statement reads and side-channel writes (notifications, push
// subscriptions, outbox bookkeeping) that need no transaction.
type Store interface {
	// InTx runs fn inside one transaction at read-committed or stronger.
	// Any error from fn rolls the transaction back fully.
	InTx(ctx context.Context, fn func(Tx) error) error

	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
	MatchesByRide(ctx context.Context, rideID string) ([]models.Match, error)
	MatchesByResponder(ctx context.Context, userID string) ([]models.Match, error)
	ConfirmedMatch(ctx context.Context, rideID string) (*models.Match, error)
	HasRating(ctx context.Context, rideID, raterID string) (bool, error)

	ContactCard(ctx context.Context, userID string) (*models.ContactCard, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64, userID string) error

	UpsertPushSubscription(ctx context.Context, s *models.PushSubscription) error
	DeletePushSubscription(ctx context.Context, endpoint, userID string) error
	PushSubscriptionsByUser(ctx context.Context, userID string) ([]models.PushSubscription, error)

	UnsentEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkEventSent(ctx context.Context, id string) error

	SetRidePaymentIntent(ctx context.Context, rideID, paymentIntentID string) error
	RidePaymentIntent(ctx context.Context, rideID string) (string, error)
}
