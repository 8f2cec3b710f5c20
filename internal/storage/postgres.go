package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/rideboard/internal/models"
)

// PostgresStore is the production Store. Lifecycle transactions run at
// read-committed with the ride row locked via SELECT ... FOR UPDATE, so the
// status the engine re-checks after the lock is the committed truth.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the handle for the migration runner.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

const rideCols = `id, owner_id, kind, origin, destination, depart_at, seats, note,
	cost_share_cents, currency, status, created_at, updated_at`

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	var departAt sql.NullTime
	err := row.Scan(&r.ID, &r.OwnerID, &r.Kind, &r.Origin, &r.Destination, &departAt,
		&r.Seats, &r.Note, &r.CostShareCents, &r.Currency, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if departAt.Valid {
		t := departAt.Time
		r.DepartAt = &t
	}
	return &r, nil
}

func (t *pgTx) RideForUpdate(ctx context.Context, id string) (*models.Ride, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+rideCols+` FROM rides WHERE id = $1 FOR UPDATE`, id)
	return scanRide(row)
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+rideCols+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (t *pgTx) MatchForUpdate(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, ride_id, responder_id, status, created_at, updated_at
		 FROM matches WHERE id = $1 FOR UPDATE`, id).
		Scan(&m.ID, &m.RideID, &m.ResponderID, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) MatchesByRide(ctx context.Context, rideID string) ([]models.Match, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, ride_id, responder_id, status, created_at, updated_at
		 FROM matches WHERE ride_id = $1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

func (t *pgTx) CreateRide(ctx context.Context, r *models.Ride) error {
	var departAt sql.NullTime
	if r.DepartAt != nil {
		departAt = sql.NullTime{Time: *r.DepartAt, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO rides (`+rideCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.OwnerID, r.Kind, r.Origin, r.Destination, departAt, r.Seats, r.Note,
		r.CostShareCents, r.Currency, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) CreateMatch(ctx context.Context, m *models.Match) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO matches (id, ride_id, responder_id, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.RideID, m.ResponderID, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (t *pgTx) SetRideStatus(ctx context.Context, id string, status models.RideStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (t *pgTx) SetMatchStatus(ctx context.Context, id string, status models.MatchStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE matches SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (t *pgTx) HasRating(ctx context.Context, rideID, raterID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ratings WHERE ride_id = $1 AND rater_id = $2)`,
		rideID, raterID).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateRating(ctx context.Context, r *models.Rating) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ratings (ride_id, rater_id, target_id, target_role, stars, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		r.RideID, r.RaterID, r.TargetID, r.TargetRole, r.Stars, r.CreatedAt)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, ev *models.Event) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, name, ride_id, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.Name, ev.RideID, []byte(ev.Payload), ev.CreatedAt)
	return err
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectMatches(rows *sql.Rows) ([]models.Match, error) {
	defer rows.Close()
	out := make([]models.Match, 0)
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ID, &m.RideID, &m.ResponderID, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	q := `SELECT ` + rideCols + ` FROM rides WHERE 1=1`
	args := []any{}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		q += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MatchesByRide(ctx context.Context, rideID string) ([]models.Match, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ride_id, responder_id, status, created_at, updated_at
		 FROM matches WHERE ride_id = $1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

func (p *PostgresStore) MatchesByResponder(ctx context.Context, userID string) ([]models.Match, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ride_id, responder_id, status, created_at, updated_at
		 FROM matches WHERE responder_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

func (p *PostgresStore) ConfirmedMatch(ctx context.Context, rideID string) (*models.Match, error) {
	var m models.Match
	err := p.db.QueryRowContext(ctx,
		`SELECT id, ride_id, responder_id, status, created_at, updated_at
		 FROM matches WHERE ride_id = $1 AND status = ANY($2)`,
		rideID, pq.Array([]string{string(models.MatchAccepted), string(models.MatchCompleted)})).
		Scan(&m.ID, &m.RideID, &m.ResponderID, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresStore) HasRating(ctx context.Context, rideID, raterID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ratings WHERE ride_id = $1 AND rater_id = $2)`,
		rideID, raterID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ContactCard(ctx context.Context, userID string) (*models.ContactCard, error) {
	var c models.ContactCard
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, phone, whatsapp, hide_contact FROM users WHERE id = $1`, userID).
		Scan(&c.UserID, &c.Name, &c.Phone, &c.WhatsApp, &c.HideContact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	meta := []byte(n.Meta)
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO notifications (user_id, type, title, body, meta, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		n.UserID, n.Type, n.Title, n.Body, meta, n.CreatedAt).Scan(&n.ID)
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, body, meta, read, created_at
		 FROM notifications WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &meta, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Meta = meta
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id int64, userID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresStore) UpsertPushSubscription(ctx context.Context, s *models.PushSubscription) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, user_agent, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (endpoint) DO UPDATE
		 SET user_id = EXCLUDED.user_id, p256dh = EXCLUDED.p256dh,
		     auth = EXCLUDED.auth, user_agent = EXCLUDED.user_agent`,
		s.UserID, s.Endpoint, s.P256dh, s.Auth, s.UserAgent, s.CreatedAt)
	return err
}

// DeletePushSubscription removes the endpoint only if it belongs to userID,
// so one user cannot unsubscribe another's device.
func (p *PostgresStore) DeletePushSubscription(ctx context.Context, endpoint, userID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1 AND user_id = $2`, endpoint, userID)
	return err
}

func (p *PostgresStore) PushSubscriptionsByUser(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id, endpoint, p256dh, auth, user_agent, created_at
		 FROM push_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.PushSubscription, 0)
	for rows.Next() {
		var s models.PushSubscription
		if err := rows.Scan(&s.UserID, &s.Endpoint, &s.P256dh, &s.Auth, &s.UserAgent, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UnsentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, ride_id, payload, created_at
		 FROM outbox_events WHERE sent_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Event, 0)
	for rows.Next() {
		var ev models.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.RideID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkEventSent(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox_events SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresStore) SetRidePaymentIntent(ctx context.Context, rideID, paymentIntentID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET payment_intent_id = $1 WHERE id = $2`, paymentIntentID, rideID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresStore) RidePaymentIntent(ctx context.Context, rideID string) (string, error) {
	var pi sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT payment_intent_id FROM rides WHERE id = $1`, rideID).Scan(&pi)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return pi.String, nil
}
