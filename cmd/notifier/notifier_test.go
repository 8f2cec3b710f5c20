package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/notify"
	"github.com/example/rideboard/internal/storage"
)

type fakeTracker struct {
	seen      map[string]bool
	unread    map[string]int
	seenErr   error
	unreadErr error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{seen: map[string]bool{}, unread: map[string]int{}}
}

func (f *fakeTracker) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	if f.seenErr != nil {
		return false, f.seenErr
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

func (f *fakeTracker) IncrUnread(ctx context.Context, userID string) error {
	if f.unreadErr != nil {
		return f.unreadErr
	}
	f.unread[userID]++
	return nil
}

type fakeBroadcaster struct {
	events []string
	err    error
}

func (f *fakeBroadcaster) Publish(ctx context.Context, event string, payload json.RawMessage) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fakeCostShare struct {
	holds     []string // ride ids
	captured  []string // payment intent ids
	cancelled []string
	holdErr   error
}

func (f *fakeCostShare) Hold(ctx context.Context, rideID string, amountCents int64, currency string) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.holds = append(f.holds, rideID)
	return "pi_" + rideID, nil
}

func (f *fakeCostShare) Capture(ctx context.Context, paymentIntentID string) error {
	f.captured = append(f.captured, paymentIntentID)
	return nil
}

func (f *fakeCostShare) Cancel(ctx context.Context, paymentIntentID string) error {
	f.cancelled = append(f.cancelled, paymentIntentID)
	return nil
}

func newTestProcessor(t *testing.T) (*processor, *storage.MemoryStore, *fakeTracker, *fakeBroadcaster, *fakeCostShare) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := newFakeTracker()
	broadcaster := &fakeBroadcaster{}
	costs := &fakeCostShare{}
	p := &processor{
		tracker:    tracker,
		dispatcher: &notify.Dispatcher{Store: store, Logger: logger},
		relay:      broadcaster,
		payments:   costs,
		store:      store,
		logger:     logger,
	}
	return p, store, tracker, broadcaster, costs
}

func payload(t *testing.T, ev models.LifecycleEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleDeliversNotificationAndRelay(t *testing.T) {
	p, store, tracker, broadcaster, _ := newTestProcessor(t)

	p.handle(context.Background(), "ev-1", payload(t, models.LifecycleEvent{
		Event:       models.EventResponded,
		RideID:      "r1",
		RecipientID: "driver-1",
	}))

	notifs, _ := store.ListNotifications(context.Background(), "driver-1", 10)
	if len(notifs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifs))
	}
	if tracker.unread["driver-1"] != 1 {
		t.Fatalf("unread = %d, want 1", tracker.unread["driver-1"])
	}
	if len(broadcaster.events) != 1 || broadcaster.events[0] != "match_updated" {
		t.Fatalf("relay events = %v", broadcaster.events)
	}
}

func TestHandleSkipsDuplicates(t *testing.T) {
	p, store, _, broadcaster, _ := newTestProcessor(t)
	body := payload(t, models.LifecycleEvent{
		Event:       models.EventConfirmed,
		RideID:      "r1",
		RecipientID: "rider-1",
	})

	p.handle(context.Background(), "ev-1", body)
	p.handle(context.Background(), "ev-1", body)

	notifs, _ := store.ListNotifications(context.Background(), "rider-1", 10)
	if len(notifs) != 1 {
		t.Fatalf("duplicate produced %d notifications", len(notifs))
	}
	if len(broadcaster.events) != 1 {
		t.Fatalf("duplicate produced %d relay events", len(broadcaster.events))
	}
}

func TestHandleDeliversWhenDedupUnavailable(t *testing.T) {
	p, store, tracker, _, _ := newTestProcessor(t)
	tracker.seenErr = errors.New("redis down")

	p.handle(context.Background(), "ev-1", payload(t, models.LifecycleEvent{
		Event:       models.EventConfirmed,
		RideID:      "r1",
		RecipientID: "rider-1",
	}))

	notifs, _ := store.ListNotifications(context.Background(), "rider-1", 10)
	if len(notifs) != 1 {
		t.Fatalf("notification lost while dedup down: %d", len(notifs))
	}
}

func TestHandleIgnoresGarbage(t *testing.T) {
	p, store, _, broadcaster, _ := newTestProcessor(t)
	p.handle(context.Background(), "ev-1", []byte("{not json"))
	notifs, _ := store.ListNotifications(context.Background(), "rider-1", 10)
	if len(notifs) != 0 || len(broadcaster.events) != 0 {
		t.Fatalf("garbage produced side effects")
	}
}

func TestRelayEventMapping(t *testing.T) {
	cases := map[string]string{
		models.EventRideCreated:    "ride_updated",
		models.EventConfirmed:      "ride_updated",
		models.EventStatusChanged:  "ride_updated",
		models.EventResponded:      "match_updated",
		models.EventRejected:       "match_updated",
		models.EventWithdrawn:      "match_updated",
		models.EventRatingReceived: "rating_received",
		"unknown":                  "",
	}
	for in, want := range cases {
		if got := relayEvent(in); got != want {
			t.Errorf("relayEvent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCostShareHoldOnConfirm(t *testing.T) {
	p, store, _, _, costs := newTestProcessor(t)

	p.handle(context.Background(), "ev-1", payload(t, models.LifecycleEvent{
		Event:          models.EventConfirmed,
		RideID:         "r1",
		RecipientID:    "rider-1",
		CostShareCents: 450,
		Currency:       "eur",
	}))

	if len(costs.holds) != 1 || costs.holds[0] != "r1" {
		t.Fatalf("holds = %v", costs.holds)
	}
	pi, err := store.RidePaymentIntent(context.Background(), "r1")
	if err != nil || pi != "pi_r1" {
		t.Fatalf("payment intent = %q err = %v", pi, err)
	}
}

func TestCostShareSkippedWithoutAmount(t *testing.T) {
	p, _, _, _, costs := newTestProcessor(t)
	p.handle(context.Background(), "ev-1", payload(t, models.LifecycleEvent{
		Event:       models.EventConfirmed,
		RideID:      "r1",
		RecipientID: "rider-1",
	}))
	if len(costs.holds) != 0 {
		t.Fatalf("hold placed for free ride")
	}
}

func TestCostShareSettlement(t *testing.T) {
	p, store, _, _, costs := newTestProcessor(t)
	if err := store.SetRidePaymentIntent(context.Background(), "r1", "pi_r1"); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	if err := store.SetRidePaymentIntent(context.Background(), "r2", "pi_r2"); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	p.handle(context.Background(), "ev-1", payload(t, models.LifecycleEvent{
		Event:       models.EventStatusChanged,
		RideID:      "r1",
		RideStatus:  models.RideCompleted,
		RecipientID: "rider-1",
	}))
	p.handle(context.Background(), "ev-2", payload(t, models.LifecycleEvent{
		Event:       models.EventStatusChanged,
		RideID:      "r2",
		RideStatus:  models.RideCancelled,
		RecipientID: "rider-2",
	}))

	if len(costs.captured) != 1 || costs.captured[0] != "pi_r1" {
		t.Fatalf("captured = %v", costs.captured)
	}
	if len(costs.cancelled) != 1 || costs.cancelled[0] != "pi_r2" {
		t.Fatalf("cancelled = %v", costs.cancelled)
	}
}

func TestHoldFailureDoesNotBlockDelivery(t *testing.T) {
	p, store, _, _, costs := newTestProcessor(t)
	costs.holdErr = errors.New("stripe down")

	p.handle(context.Background(), "ev-1", payload(t, models.LifecycleEvent{
		Event:          models.EventConfirmed,
		RideID:         "r1",
		RecipientID:    "rider-1",
		CostShareCents: 450,
		Currency:       "eur",
	}))

	notifs, _ := store.ListNotifications(context.Background(), "rider-1", 10)
	if len(notifs) != 1 {
		t.Fatalf("notification lost on payment failure: %d", len(notifs))
	}
}
