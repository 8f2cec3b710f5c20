package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/storage"
)

type fakePush struct {
	sent []string // endpoints
	err  error
}

func (f *fakePush) Send(ctx context.Context, sub models.PushSubscription, n models.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sub.Endpoint)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatchStoresNotification(t *testing.T) {
	store := storage.NewMemoryStore()
	d := &Dispatcher{Store: store, Logger: discard()}

	err := d.Dispatch(context.Background(), models.LifecycleEvent{
		Event:       models.EventResponded,
		RideID:      "r1",
		Origin:      "Campus",
		Destination: "Hbf",
		ActorID:     "rider-1",
		RecipientID: "driver-1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	notifs, err := store.ListNotifications(context.Background(), "driver-1", 10)
	if err != nil || len(notifs) != 1 {
		t.Fatalf("notifications = %v err = %v", notifs, err)
	}
	n := notifs[0]
	if n.Type != models.EventResponded || n.Title == "" || n.Read {
		t.Fatalf("notification = %+v", n)
	}
}

func TestDispatchSkipsEventsWithoutRecipient(t *testing.T) {
	store := storage.NewMemoryStore()
	d := &Dispatcher{Store: store, Logger: discard()}

	if err := d.Dispatch(context.Background(), models.LifecycleEvent{
		Event:  models.EventRideCreated,
		RideID: "r1",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, user := range []string{"driver-1", "rider-1"} {
		notifs, _ := store.ListNotifications(context.Background(), user, 10)
		if len(notifs) != 0 {
			t.Fatalf("unexpected notification for %s", user)
		}
	}
}

func TestDispatchFansOutToAllDevices(t *testing.T) {
	store := storage.NewMemoryStore()
	for _, ep := range []string{"https://push/1", "https://push/2"} {
		err := store.UpsertPushSubscription(context.Background(), &models.PushSubscription{
			UserID: "rider-1", Endpoint: ep, P256dh: "k", Auth: "a",
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	push := &fakePush{}
	d := &Dispatcher{Store: store, Push: push, Logger: discard()}

	err := d.Dispatch(context.Background(), models.LifecycleEvent{
		Event:       models.EventConfirmed,
		RideID:      "r1",
		RecipientID: "rider-1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(push.sent) != 2 {
		t.Fatalf("push sent to %d endpoints, want 2", len(push.sent))
	}
}

func TestPushFailureDoesNotFailDispatch(t *testing.T) {
	store := storage.NewMemoryStore()
	err := store.UpsertPushSubscription(context.Background(), &models.PushSubscription{
		UserID: "rider-1", Endpoint: "https://push/1", P256dh: "k", Auth: "a",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	d := &Dispatcher{Store: store, Push: &fakePush{err: errors.New("gateway down")}, Logger: discard()}

	if err := d.Dispatch(context.Background(), models.LifecycleEvent{
		Event:       models.EventConfirmed,
		RideID:      "r1",
		RecipientID: "rider-1",
	}); err != nil {
		t.Fatalf("dispatch should swallow push failures, got %v", err)
	}

	// the in-app notification still landed
	notifs, _ := store.ListNotifications(context.Background(), "rider-1", 10)
	if len(notifs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifs))
	}
}

func TestRenderStatusChanges(t *testing.T) {
	cases := []struct {
		status models.RideStatus
		title  string
	}{
		{models.RideInProgress, "Ride started"},
		{models.RideCompleted, "Ride completed"},
		{models.RideCancelled, "Ride cancelled"},
	}
	for _, tc := range cases {
		title, body := render(models.LifecycleEvent{Event: models.EventStatusChanged, RideStatus: tc.status})
		if title != tc.title || body == "" {
			t.Fatalf("status %s: title = %q body = %q", tc.status, title, body)
		}
	}
}
