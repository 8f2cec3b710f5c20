package models

import (
	"encoding/json"
	"time"
)

// RideKind says which side of the trip the poster is on.
type RideKind string

const (
	KindOffer   RideKind = "offer"   // poster drives and offers seats
	KindRequest RideKind = "request" // poster is looking for a ride
)

type RideStatus string

const (
	RideOpen       RideStatus = "open"
	RideMatched    RideStatus = "matched"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchAccepted  MatchStatus = "accepted"
	MatchRejected  MatchStatus = "rejected"
	MatchWithdrawn MatchStatus = "withdrawn"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

// Confirmed reports whether the status counts against the
// one-confirmed-match-per-ride rule.
func (s MatchStatus) Confirmed() bool {
	return s == MatchAccepted || s == MatchCompleted
}

// Role is the participant's position in a ride, derived once from the ride
// kind and which side the participant is on.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

type Ride struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Kind           RideKind   `json:"kind"`
	Origin         string     `json:"origin"`
	Destination    string     `json:"destination"`
	DepartAt       *time.Time `json:"depart_at,omitempty"` // nil = flexible
	Seats          int        `json:"seats"`               // 0 = package-only
	Note           string     `json:"note,omitempty"`
	CostShareCents int64      `json:"cost_share_cents,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the ride can never change status again.
func (r *Ride) Terminal() bool {
	return r.Status == RideCompleted || r.Status == RideCancelled
}

type Match struct {
	ID          string      `json:"id"`
	RideID      string      `json:"ride_id"`
	ResponderID string      `json:"responder_id"`
	Status      MatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type Rating struct {
	RideID     string    `json:"ride_id"`
	RaterID    string    `json:"rater_id"`
	TargetID   string    `json:"target_user_id"`
	TargetRole Role      `json:"role"`
	Stars      int       `json:"stars"` // 1..5
	CreatedAt  time.Time `json:"created_at"`
}

// ContactCard is the disclosable slice of a user profile. HideContact is the
// user's privacy setting; the visibility policy decides whether the rest of
// the card may be shown to a given viewer.
type ContactCard struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	WhatsApp    string `json:"whatsapp,omitempty"`
	HideContact bool   `json:"-"`
}

type Notification struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// PushSubscription mirrors what the push-delivery collaborator persists.
// Upserts are keyed by Endpoint; UserID may be empty for anonymous browsers.
type PushSubscription struct {
	UserID    string    `json:"user_id,omitempty"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event names produced by the lifecycle engine.
const (
	EventRideCreated    = "ride_created"
	EventResponded      = "responded"
	EventConfirmed      = "confirmed"
	EventRejected       = "rejected"
	EventWithdrawn      = "withdrawn"
	EventStatusChanged  = "status_changed"
	EventRatingReceived = "rating_received"
)

// Event is an outbox row: recorded in the same transaction as the state
// change it describes, published to the broker afterwards. SentAt stays nil
// until the publisher has handed it to kafka.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"event"`
	RideID    string          `json:"ride_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// LifecycleEvent is the payload carried inside an Event and on the wire to
// the notifier. RecipientID is the single user this event should notify;
// transitions touching several users produce one event per recipient.
type LifecycleEvent struct {
	Event          string      `json:"event"`
	RideID         string      `json:"ride_id"`
	RideStatus     RideStatus  `json:"ride_status"`
	RideKind       RideKind    `json:"ride_kind"`
	Origin         string      `json:"origin,omitempty"`
	Destination    string      `json:"destination,omitempty"`
	MatchID        string      `json:"match_id,omitempty"`
	MatchStatus    MatchStatus `json:"match_status,omitempty"`
	ActorID        string      `json:"actor_id"`
	ActorRole      Role        `json:"actor_role,omitempty"`
	RecipientID    string      `json:"recipient_id,omitempty"`
	Stars          int         `json:"stars,omitempty"`
	CostShareCents int64       `json:"cost_share_cents,omitempty"`
	Currency       string      `json:"currency,omitempty"`
}
