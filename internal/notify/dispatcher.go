// Package notify turns lifecycle events into user-facing notifications.
// Dispatch runs in the notifier process, after the triggering transaction
// committed, so nothing here can ever roll a transition back: failures are
// logged and counted, not propagated.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/observability"
	"github.com/example/rideboard/internal/storage"
)

// PushSender delivers one notification to one device subscription.
// Satisfied by GatewayClient.
type PushSender interface {
	Send(ctx context.Context, sub models.PushSubscription, n models.Notification) error
}

type Dispatcher struct {
	Store  storage.Store
	Push   PushSender // nil disables push
	Logger *slog.Logger
}

// Dispatch stores an in-app notification for the event's recipient and fans
// it out to the recipient's registered devices. Events without a recipient
// (ride_created) produce no notification.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.LifecycleEvent) error {
	if ev.RecipientID == "" {
		return nil
	}
	title, body := render(ev)
	if title == "" {
		return nil
	}
	meta, _ := json.Marshal(map[string]any{
		"ride_id":      ev.RideID,
		"ride_status":  ev.RideStatus,
		"match_id":     ev.MatchID,
		"match_status": ev.MatchStatus,
		"actor_role":   ev.ActorRole,
	})
	n := &models.Notification{
		UserID: ev.RecipientID,
		Type:   ev.Event,
		Title:  title,
		Body:   body,
		Meta:   meta,
	}
	if err := d.Store.CreateNotification(ctx, n); err != nil {
		observability.NotificationsFailed.Inc()
		return fmt.Errorf("store notification: %w", err)
	}
	observability.NotificationsSent.Inc()

	if d.Push == nil {
		return nil
	}
	subs, err := d.Store.PushSubscriptionsByUser(ctx, ev.RecipientID)
	if err != nil {
		d.Logger.Warn("push subscription lookup failed", "user", ev.RecipientID, "error", err)
		return nil
	}
	for _, sub := range subs {
		if err := d.Push.Send(ctx, sub, *n); err != nil {
			observability.NotificationsFailed.Inc()
			d.Logger.Warn("push delivery failed", "user", ev.RecipientID, "endpoint", sub.Endpoint, "error", err)
			continue
		}
		observability.PushSent.Inc()
	}
	return nil
}

func render(ev models.LifecycleEvent) (title, body string) {
	route := ev.Origin + " → " + ev.Destination
	if ev.Origin == "" {
		route = "your ride"
	}
	switch ev.Event {
	case models.EventResponded:
		return "New response to your ride", fmt.Sprintf("Someone responded to %s.", route)
	case models.EventConfirmed:
		return "Your response was accepted", "You are confirmed for this ride. Contact details are now unlocked."
	case models.EventRejected:
		return "Ride already taken", "The owner confirmed another response for this ride."
	case models.EventWithdrawn:
		return "Response withdrawn", "A responder withdrew from your ride."
	case models.EventStatusChanged:
		switch ev.RideStatus {
		case models.RideInProgress:
			return "Ride started", "Your ride is now in progress."
		case models.RideCompleted:
			return "Ride completed", "Your ride is completed. You can now rate your counterpart."
		case models.RideCancelled:
			return "Ride cancelled", "Your ride was cancelled."
		}
		return "Ride updated", fmt.Sprintf("Ride status is now %s.", ev.RideStatus)
	case models.EventRatingReceived:
		return "You received a rating", fmt.Sprintf("Your counterpart rated you %d stars.", ev.Stars)
	}
	return "", ""
}
