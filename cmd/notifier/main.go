// The notifier consumes lifecycle events from kafka and performs every
// side effect that must not run on the write path: in-app notifications,
// push fan-out, relay broadcasts and cost-share payment moves. Consumption
// is at-least-once; a redis SETNX per event id makes the side effects
// effectively once.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rideboard/internal/config"
	"github.com/example/rideboard/internal/logging"
	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/notify"
	"github.com/example/rideboard/internal/payments"
	"github.com/example/rideboard/internal/relay"
	"github.com/example/rideboard/internal/storage"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_consumed_total",
		Help: "Total lifecycle events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_invalid_total",
		Help: "Total undecodable events received",
	})
	eventsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_duplicate_total",
		Help: "Total events skipped by dedup",
	})
	relayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_relay_errors_total",
		Help: "Total failed relay hook calls",
	})
	paymentErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_payment_errors_total",
		Help: "Total failed cost-share payment calls",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, eventsDuplicate, relayErrors, paymentErrors)
}

// Tracker is the small slice of redis the processor needs, kept as an
// interface so tests can fake it.
type Tracker interface {
	// FirstSeen marks eventID processed; false means it was seen before.
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	// IncrUnread bumps the user's unread notification counter.
	IncrUnread(ctx context.Context, userID string) error
}

type redisTracker struct{ c *redis.Client }

func (r *redisTracker) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return r.c.SetNX(ctx, "notifier:event:"+eventID, 1, 24*time.Hour).Result()
}

func (r *redisTracker) IncrUnread(ctx context.Context, userID string) error {
	return r.c.Incr(ctx, "notifier:unread:"+userID).Err()
}

// Broadcaster is the relay hook, nil-able when no relay is configured.
type Broadcaster interface {
	Publish(ctx context.Context, event string, payload json.RawMessage) error
}

type processor struct {
	tracker    Tracker
	dispatcher *notify.Dispatcher
	relay      Broadcaster
	payments   payments.CostShare
	store      storage.Store
	logger     *slog.Logger
}

// relayEvent maps a lifecycle event to the channel event name subscribers
// listen for.
func relayEvent(name string) string {
	switch name {
	case models.EventRideCreated, models.EventConfirmed, models.EventStatusChanged:
		return "ride_updated"
	case models.EventResponded, models.EventRejected, models.EventWithdrawn:
		return "match_updated"
	case models.EventRatingReceived:
		return "rating_received"
	}
	return ""
}

func (p *processor) handle(ctx context.Context, eventID string, value []byte) {
	eventsConsumed.Inc()

	var ev models.LifecycleEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		eventsInvalid.Inc()
		p.logger.Warn("invalid event payload", "event_id", eventID, "error", err)
		return
	}

	first, err := p.tracker.FirstSeen(ctx, eventID)
	if err != nil {
		// dedup unavailable: deliver anyway, duplicates beat lost updates
		p.logger.Warn("dedup check failed", "event_id", eventID, "error", err)
	} else if !first {
		eventsDuplicate.Inc()
		return
	}

	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		p.logger.Warn("notification dispatch failed", "event_id", eventID, "error", err)
	} else if ev.RecipientID != "" {
		if err := p.tracker.IncrUnread(ctx, ev.RecipientID); err != nil {
			p.logger.Warn("unread counter failed", "user", ev.RecipientID, "error", err)
		}
	}

	if p.relay != nil {
		if name := relayEvent(ev.Event); name != "" {
			if err := p.relay.Publish(ctx, name, value); err != nil {
				relayErrors.Inc()
				p.logger.Warn("relay broadcast failed", "event_id", eventID, "error", err)
			}
		}
	}

	p.costShare(ctx, ev)
}

// costShare drives the optional stripe flow off confirmed/completed/
// cancelled events. Every failure is logged and counted but never blocks
// consumption.
func (p *processor) costShare(ctx context.Context, ev models.LifecycleEvent) {
	if p.payments == nil {
		return
	}
	switch {
	case ev.Event == models.EventConfirmed && ev.CostShareCents > 0:
		pi, err := p.payments.Hold(ctx, ev.RideID, ev.CostShareCents, ev.Currency)
		if err != nil {
			paymentErrors.Inc()
			p.logger.Warn("cost-share hold failed", "ride", ev.RideID, "error", err)
			return
		}
		if err := p.store.SetRidePaymentIntent(ctx, ev.RideID, pi); err != nil {
			paymentErrors.Inc()
			p.logger.Warn("payment intent not recorded", "ride", ev.RideID, "error", err)
		}
	case ev.Event == models.EventStatusChanged &&
		(ev.RideStatus == models.RideCompleted || ev.RideStatus == models.RideCancelled):
		pi, err := p.store.RidePaymentIntent(ctx, ev.RideID)
		if err != nil || pi == "" {
			return
		}
		if ev.RideStatus == models.RideCompleted {
			err = p.payments.Capture(ctx, pi)
		} else {
			err = p.payments.Cancel(ctx, pi)
		}
		if err != nil {
			paymentErrors.Inc()
			p.logger.Warn("cost-share settlement failed", "ride", ev.RideID, "status", ev.RideStatus, "error", err)
		}
	}
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadNotifierConfig()
	logger := logging.NewLogger("notifier", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	var push notify.PushSender
	if cfg.PushEndpoint != "" {
		push = notify.NewGatewayClient(cfg.PushEndpoint, cfg.PushKey)
	}
	var hook Broadcaster
	if cfg.RelayHookURL != "" {
		hook = relay.NewClient(cfg.RelayHookURL, cfg.RelaySecret)
	} else {
		logger.Warn("RELAY_HOOK_URL not set, live updates disabled")
	}
	var cost payments.CostShare
	if sc := payments.NewStripeClient(cfg.StripeKey); sc != nil {
		cost = sc
	}

	p := &processor{
		tracker:    &redisTracker{c: rc},
		dispatcher: &notify.Dispatcher{Store: store, Push: push, Logger: logger},
		relay:      hook,
		payments:   cost,
		store:      store,
		logger:     logger,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("notifier consuming", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down notifier")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		p.handle(ctx, eventIDOf(m), m.Value)
	}
}

// eventIDOf prefers the producer-stamped event id header and falls back to
// the message coordinates, which are equally stable per delivery.
func eventIDOf(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_id" {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}
