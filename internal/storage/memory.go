package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rideboard/internal/models"
)

// MemoryStore keeps everything in maps behind a single mutex. It backs local
// runs without postgres and the lifecycle tests. InTx holds the lock for the
// whole callback, so transactions serialize exactly like the commit-order
// tie-break the engine relies on; a callback error restores the pre-tx
// snapshot, keeping mutations all-or-nothing.
type MemoryStore struct {
	mu sync.Mutex
	st memState

	notifSeq int64
}

type memState struct {
	rides    map[string]models.Ride
	matches  map[string]models.Match
	ratings  map[string]models.Rating // keyed rideID+"/"+raterID
	cards    map[string]models.ContactCard
	notifs   map[int64]models.Notification
	subs     map[string]models.PushSubscription // keyed by endpoint
	events   map[string]models.Event
	payments map[string]string // rideID -> payment intent id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memState{
		rides:    make(map[string]models.Ride),
		matches:  make(map[string]models.Match),
		ratings:  make(map[string]models.Rating),
		cards:    make(map[string]models.ContactCard),
		notifs:   make(map[int64]models.Notification),
		subs:     make(map[string]models.PushSubscription),
		events:   make(map[string]models.Event),
		payments: make(map[string]string),
	}}
}

// SeedContact registers a user's contact card. Test and local-run helper.
func (m *MemoryStore) SeedContact(c models.ContactCard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.cards[c.UserID] = c
}

func (s memState) clone() memState {
	out := memState{
		rides:    maps2clone(s.rides),
		matches:  maps2clone(s.matches),
		ratings:  maps2clone(s.ratings),
		cards:    maps2clone(s.cards),
		notifs:   maps2clone(s.notifs),
		subs:     maps2clone(s.subs),
		events:   maps2clone(s.events),
		payments: maps2clone(s.payments),
	}
	return out
}

func maps2clone[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memTx struct{ m *MemoryStore }

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (t *memTx) RideForUpdate(ctx context.Context, id string) (*models.Ride, error) {
	r, ok := t.m.st.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return t.RideForUpdate(ctx, id)
}

func (t *memTx) MatchForUpdate(ctx context.Context, id string) (*models.Match, error) {
	mm, ok := t.m.st.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &mm, nil
}

func (t *memTx) MatchesByRide(ctx context.Context, rideID string) ([]models.Match, error) {
	return matchesByRide(t.m.st, rideID), nil
}

func (t *memTx) CreateRide(ctx context.Context, r *models.Ride) error {
	t.m.st.rides[r.ID] = *r
	return nil
}

func (t *memTx) CreateMatch(ctx context.Context, mm *models.Match) error {
	t.m.st.matches[mm.ID] = *mm
	return nil
}

func (t *memTx) SetRideStatus(ctx context.Context, id string, status models.RideStatus) error {
	r, ok := t.m.st.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	t.m.st.rides[id] = r
	return nil
}

func (t *memTx) SetMatchStatus(ctx context.Context, id string, status models.MatchStatus) error {
	mm, ok := t.m.st.matches[id]
	if !ok {
		return ErrNotFound
	}
	mm.Status = status
	mm.UpdatedAt = time.Now()
	t.m.st.matches[id] = mm
	return nil
}

func (t *memTx) HasRating(ctx context.Context, rideID, raterID string) (bool, error) {
	_, ok := t.m.st.ratings[rideID+"/"+raterID]
	return ok, nil
}

func (t *memTx) CreateRating(ctx context.Context, r *models.Rating) error {
	t.m.st.ratings[r.RideID+"/"+r.RaterID] = *r
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev *models.Event) error {
	t.m.st.events[ev.ID] = *ev
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Ride, 0)
	for _, r := range m.st.rides {
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesByRide(s memState, rideID string) []models.Match {
	out := make([]models.Match, 0)
	for _, mm := range s.matches {
		if mm.RideID == rideID {
			out = append(out, mm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) MatchesByRide(ctx context.Context, rideID string) ([]models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return matchesByRide(m.st, rideID), nil
}

func (m *MemoryStore) MatchesByResponder(ctx context.Context, userID string) ([]models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Match, 0)
	for _, mm := range m.st.matches {
		if mm.ResponderID == userID {
			out = append(out, mm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ConfirmedMatch(ctx context.Context, rideID string) (*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.st.matches {
		if mm.RideID == rideID && mm.Status.Confirmed() {
			return &mm, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) HasRating(ctx context.Context, rideID, raterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.st.ratings[rideID+"/"+raterID]
	return ok, nil
}

func (m *MemoryStore) ContactCard(ctx context.Context, userID string) (*models.ContactCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.cards[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifSeq++
	n.ID = m.notifSeq
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.st.notifs[n.ID] = *n
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range m.st.notifs {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id int64, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.st.notifs[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.Read = true
	m.st.notifs[id] = n
	return nil
}

func (m *MemoryStore) UpsertPushSubscription(ctx context.Context, s *models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.st.subs[s.Endpoint]; ok && s.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.st.subs[s.Endpoint] = *s
	return nil
}

func (m *MemoryStore) DeletePushSubscription(ctx context.Context, endpoint, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.st.subs[endpoint]; ok && sub.UserID == userID {
		delete(m.st.subs, endpoint)
	}
	return nil
}

func (m *MemoryStore) PushSubscriptionsByUser(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PushSubscription, 0)
	for _, s := range m.st.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (m *MemoryStore) UnsentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0)
	for _, ev := range m.st.events {
		if ev.SentAt == nil {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkEventSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.st.events[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	ev.SentAt = &now
	m.st.events[id] = ev
	return nil
}

func (m *MemoryStore) SetRidePaymentIntent(ctx context.Context, rideID, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.payments[rideID] = paymentIntentID
	return nil
}

func (m *MemoryStore) RidePaymentIntent(ctx context.Context, rideID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.payments[rideID], nil
}
