package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/rideboard/internal/lifecycle"
	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/storage"
	"github.com/example/rideboard/internal/visibility"
)

func newTestAPI(t *testing.T) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := lifecycle.NewEngine(store, logger)
	ts := httptest.NewServer(NewServer(engine, store, logger))
	t.Cleanup(ts.Close)
	return ts, store
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Ride   *models.Ride    `json:"ride"`
	Rating *models.Rating  `json:"rating"`
	ID     string          `json:"match_id"`
	Detail json.RawMessage `json:"detail"`
}

func do(t *testing.T, ts *httptest.Server, method, path, userID, body string) (int, apiResponse) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func createRide(t *testing.T, ts *httptest.Server, owner string) string {
	t.Helper()
	status, out := do(t, ts, "POST", "/api/v1/rides", owner,
		`{"kind":"offer","origin":"Campus Nord","destination":"Hauptbahnhof","seats":3}`)
	if status != http.StatusCreated || out.Ride == nil {
		t.Fatalf("create ride: status=%d resp=%+v", status, out)
	}
	return out.Ride.ID
}

func TestMutationsRequireIdentity(t *testing.T) {
	ts, _ := newTestAPI(t)
	status, out := do(t, ts, "POST", "/api/v1/rides", "", `{"kind":"offer","origin":"a","destination":"b"}`)
	if status != http.StatusUnauthorized || out.Error != "unauthenticated" {
		t.Fatalf("status=%d error=%q", status, out.Error)
	}
}

func TestRespondConfirmFlow(t *testing.T) {
	ts, _ := newTestAPI(t)
	rideID := createRide(t, ts, "driver-1")

	status, out := do(t, ts, "POST", "/api/v1/rides/"+rideID+"/respond", "rider-1", "")
	if status != http.StatusOK || out.ID == "" {
		t.Fatalf("respond: status=%d resp=%+v", status, out)
	}
	matchID := out.ID

	// owner responding to their own ride is a validation error
	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/respond", "driver-1", "")
	if status != http.StatusUnprocessableEntity || out.Error != "validation" {
		t.Fatalf("own respond: status=%d error=%q", status, out.Error)
	}

	// only the owner confirms
	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/confirm", "rider-1",
		`{"match_id":"`+matchID+`"}`)
	if status != http.StatusForbidden || out.Error != "forbidden" {
		t.Fatalf("non-owner confirm: status=%d error=%q", status, out.Error)
	}

	status, _ = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/confirm", "driver-1",
		`{"match_id":"`+matchID+`"}`)
	if status != http.StatusOK {
		t.Fatalf("confirm: status=%d", status)
	}

	// a second respond on the matched ride is refused
	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/respond", "rider-2", "")
	if status != http.StatusConflict || out.Error != "ride_not_open" {
		t.Fatalf("respond after match: status=%d error=%q", status, out.Error)
	}
}

func TestConfirmRequiresMatchID(t *testing.T) {
	ts, _ := newTestAPI(t)
	rideID := createRide(t, ts, "driver-1")
	status, out := do(t, ts, "POST", "/api/v1/rides/"+rideID+"/confirm", "driver-1", `{}`)
	if status != http.StatusUnprocessableEntity || out.Error != "validation" {
		t.Fatalf("status=%d error=%q", status, out.Error)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	ts, _ := newTestAPI(t)
	status, out := do(t, ts, "POST", "/api/v1/rides", "driver-1",
		`{"kind":"offer","origin":"a","destination":"b","bogus":true}`)
	if status != http.StatusUnprocessableEntity || out.Error != "validation" {
		t.Fatalf("status=%d error=%q", status, out.Error)
	}
}

func TestStatusAndRatingFlow(t *testing.T) {
	ts, _ := newTestAPI(t)
	rideID := createRide(t, ts, "driver-1")
	_, out := do(t, ts, "POST", "/api/v1/rides/"+rideID+"/respond", "rider-1", "")
	matchID := out.ID
	do(t, ts, "POST", "/api/v1/rides/"+rideID+"/confirm", "driver-1", `{"match_id":"`+matchID+`"}`)

	// rating before completion is refused
	status, out := do(t, ts, "POST", "/api/v1/rides/"+rideID+"/ratings", "rider-1",
		`{"target_user_id":"driver-1","stars":5}`)
	if status != http.StatusConflict || out.Error != "not_completed" {
		t.Fatalf("early rating: status=%d error=%q", status, out.Error)
	}

	status, _ = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/status", "rider-1", `{"status":"in_progress"}`)
	if status != http.StatusOK {
		t.Fatalf("in_progress by participant: status=%d", status)
	}
	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/status", "stranger", `{"status":"completed"}`)
	if status != http.StatusForbidden || out.Error != "forbidden" {
		t.Fatalf("stranger status: status=%d error=%q", status, out.Error)
	}
	status, _ = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/status", "driver-1", `{"status":"completed"}`)
	if status != http.StatusOK {
		t.Fatalf("complete: status=%d", status)
	}

	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/ratings", "rider-1",
		`{"target_user_id":"driver-1","stars":5}`)
	if status != http.StatusOK || out.Rating == nil || out.Rating.Stars != 5 {
		t.Fatalf("rating: status=%d resp=%+v", status, out)
	}

	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/ratings", "rider-1",
		`{"target_user_id":"driver-1","stars":4}`)
	if status != http.StatusConflict || out.Error != "already_rated" {
		t.Fatalf("repeat rating: status=%d error=%q", status, out.Error)
	}

	status, out = do(t, ts, "POST", "/api/v1/rides/"+rideID+"/ratings", "driver-1",
		`{"target_user_id":"rider-1","stars":0}`)
	if status != http.StatusUnprocessableEntity || out.Error != "invalid_stars" {
		t.Fatalf("zero stars: status=%d error=%q", status, out.Error)
	}
}

func TestGetRideNotFound(t *testing.T) {
	ts, _ := newTestAPI(t)
	status, out := do(t, ts, "GET", "/api/v1/rides/nope", "viewer", "")
	if status != http.StatusNotFound || out.Error != "not_found" {
		t.Fatalf("status=%d error=%q", status, out.Error)
	}
}

func TestRideDetailContactVisibility(t *testing.T) {
	ts, store := newTestAPI(t)
	store.SeedContact(models.ContactCard{UserID: "driver-1", Name: "Dana", Phone: "+49 151 000"})
	store.SeedContact(models.ContactCard{UserID: "rider-1", Name: "Robin", Phone: "+49 160 111"})

	rideID := createRide(t, ts, "driver-1")
	_, out := do(t, ts, "POST", "/api/v1/rides/"+rideID+"/respond", "rider-1", "")
	matchID := out.ID

	detail := func(viewer string) rideDetail {
		req, _ := http.NewRequest("GET", ts.URL+"/api/v1/rides/"+rideID, nil)
		if viewer != "" {
			req.Header.Set("X-User-ID", viewer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get ride: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Detail rideDetail `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode detail: %v", err)
		}
		return body.Detail
	}

	// pending: responder sees no contact yet
	d := detail("rider-1")
	if d.Contact.Visible || d.Contact.Reason != visibility.ReasonPendingResponse {
		t.Fatalf("pending responder contact = %+v", d.Contact)
	}
	if d.MyMatch == nil || d.MyMatch.ID != matchID {
		t.Fatalf("pending responder my_match = %+v", d.MyMatch)
	}
	if len(d.Matches) != 0 {
		t.Fatalf("responder saw owner match list")
	}

	do(t, ts, "POST", "/api/v1/rides/"+rideID+"/confirm", "driver-1", `{"match_id":"`+matchID+`"}`)

	d = detail("rider-1")
	if !d.Contact.Visible || d.Contact.Contact == nil || d.Contact.Contact.UserID != "driver-1" {
		t.Fatalf("confirmed responder contact = %+v", d.Contact)
	}
	d = detail("driver-1")
	if !d.Contact.Visible || d.Contact.Contact == nil || d.Contact.Contact.UserID != "rider-1" {
		t.Fatalf("owner contact = %+v", d.Contact)
	}
	if len(d.Matches) == 0 {
		t.Fatalf("owner missing match list")
	}
	d = detail("stranger")
	if d.Contact.Visible || d.Contact.Reason != visibility.ReasonNotParticipant {
		t.Fatalf("bystander contact = %+v", d.Contact)
	}
}

func TestListRidesDefaultsToOpen(t *testing.T) {
	ts, _ := newTestAPI(t)
	open := createRide(t, ts, "driver-1")
	cancelled := createRide(t, ts, "driver-1")
	do(t, ts, "POST", "/api/v1/rides/"+cancelled+"/status", "driver-1", `{"status":"cancelled"}`)

	resp, err := http.Get(ts.URL + "/api/v1/rides")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Rides []models.Ride `json:"rides"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Rides) != 1 || body.Rides[0].ID != open {
		t.Fatalf("rides = %+v", body.Rides)
	}
}

func TestPushSubscriptionLifecycle(t *testing.T) {
	ts, store := newTestAPI(t)
	body := `{"endpoint":"https://push.example/ep1","p256dh":"k","auth":"a","user_agent":"test"}`
	status, _ := do(t, ts, "PUT", "/api/v1/push/subscriptions", "rider-1", body)
	if status != http.StatusOK {
		t.Fatalf("upsert: status=%d", status)
	}
	status, out := do(t, ts, "PUT", "/api/v1/push/subscriptions", "rider-1", `{"endpoint":"https://push.example/ep1"}`)
	if status != http.StatusUnprocessableEntity || out.Error != "validation" {
		t.Fatalf("partial upsert: status=%d error=%q", status, out.Error)
	}

	subs, err := store.PushSubscriptionsByUser(context.Background(), "rider-1")
	if err != nil || len(subs) != 1 {
		t.Fatalf("subs = %v err = %v", subs, err)
	}

	// another user cannot unsubscribe this device
	status, _ = do(t, ts, "DELETE", "/api/v1/push/subscriptions", "rider-2", `{"endpoint":"https://push.example/ep1"}`)
	if status != http.StatusOK {
		t.Fatalf("foreign delete: status=%d", status)
	}
	subs, _ = store.PushSubscriptionsByUser(context.Background(), "rider-1")
	if len(subs) != 1 {
		t.Fatalf("foreign delete removed the subscription")
	}

	status, _ = do(t, ts, "DELETE", "/api/v1/push/subscriptions", "rider-1", `{"endpoint":"https://push.example/ep1"}`)
	if status != http.StatusOK {
		t.Fatalf("delete: status=%d", status)
	}
	subs, _ = store.PushSubscriptionsByUser(context.Background(), "rider-1")
	if len(subs) != 0 {
		t.Fatalf("subscription survived delete: %v", subs)
	}
}

func TestMyMatchesSkipsDanglingRows(t *testing.T) {
	ts, store := newTestAPI(t)
	rideID := createRide(t, ts, "driver-1")
	_, out := do(t, ts, "POST", "/api/v1/rides/"+rideID+"/respond", "rider-1", "")
	matchID := out.ID

	// a match whose ride is gone must not render as a blank row
	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateMatch(context.Background(), &models.Match{
			ID: "m-dangling", RideID: "gone", ResponderID: "rider-1",
			Status: models.MatchPending,
		})
	})
	if err != nil {
		t.Fatalf("seed match: %v", err)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/v1/matches", nil)
	req.Header.Set("X-User-ID", "rider-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get matches: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Matches []matchView `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Matches) != 1 || body.Matches[0].ID != matchID {
		t.Fatalf("matches = %+v", body.Matches)
	}
	if body.Matches[0].Origin == "" || body.Matches[0].RideStatus == "" {
		t.Fatalf("surviving row missing ride fields: %+v", body.Matches[0])
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestAPI(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
