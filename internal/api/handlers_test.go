package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rollsync/rollsync/internal/auth"
	"github.com/rollsync/rollsync/internal/engine"
	"github.com/rollsync/rollsync/internal/hub"
	"github.com/rollsync/rollsync/internal/models"
	"github.com/rollsync/rollsync/internal/reconcile"
	"github.com/rollsync/rollsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	http   *httptest.Server
	engine *engine.Engine
	hub    *hub.Hub
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	rooms := hub.New()
	eng := engine.New(store.NewMemoryRecordCache(), store.NewMemoryRecordStore(), rooms, engine.Options{
		RetryBase: time.Millisecond,
	})
	t.Cleanup(eng.Close)

	server := NewServer(eng, reconcile.New(eng, 10), rooms)
	verifier := auth.NewVerifier(testSecret)

	router := chi.NewRouter()
	router.Route("/v1", func(r chi.Router) {
		r.Use(verifier.Middleware)
		server.Routes(r)
	})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "teacher-1",
		"device_id": "tablet-7",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return &testServer{http: ts, engine: eng, hub: rooms, token: signed}
}

func (s *testServer) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.http.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestServer_SubmitEvent(t *testing.T) {
	s := newTestServer(t)
	event := models.AttendanceEvent{
		ClassID:         "class-1",
		StudentID:       "s1",
		Day:             "2026-08-25",
		Status:          models.StatusPresent,
		OriginTimestamp: 1,
	}

	resp := s.post(t, "/v1/events", event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first submitEventResponse
	decodeBody(t, resp, &first)
	assert.True(t, first.Applied)
	assert.NotEqual(t, uuid.Nil, first.EventID)

	// The authenticated device backs the record when the event omits one.
	records, err := s.engine.ClassRecords(context.Background(), "class-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tablet-7", records[0].LastDeviceID)

	// A duplicate submission still succeeds, as a no-op.
	event.SourceDeviceID = "tablet-7"
	resp = s.post(t, "/v1/events", event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second submitEventResponse
	decodeBody(t, resp, &second)
	assert.False(t, second.Applied)
}

func TestServer_SubmitEvent_ValidationError(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/events", models.AttendanceEvent{
		ClassID:         "class-1",
		StudentID:       "s1",
		Day:             "2026-08-25",
		Status:          "tardy",
		OriginTimestamp: 1,
	})

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, engine.ReasonInvalidStatus, body.Code)
}

func TestServer_SubmitEvent_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Post(s.http.URL+"/v1/events", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_SubmitBatch(t *testing.T) {
	s := newTestServer(t)
	batch := models.OfflineBatch{
		BatchID: uuid.New(),
		Events: []models.AttendanceEvent{
			{ID: uuid.New(), ClassID: "class-1", StudentID: "s1", Day: "2026-08-25", Status: models.StatusPresent, OriginTimestamp: 1},
			{ID: uuid.New(), ClassID: "class-1", StudentID: "s2", Day: "2026-08-25", Status: models.StatusLate, OriginTimestamp: 2},
		},
	}

	resp := s.post(t, "/v1/batches", batch)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body submitBatchResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, batch.BatchID, body.BatchID)
	require.Len(t, body.Acks, 2)
	assert.Equal(t, batch.Events[0].ID, body.Acks[0].EventID)
	assert.True(t, body.Acks[0].Applied)
	assert.True(t, body.Acks[1].Applied)
}

func TestServer_CatchUp(t *testing.T) {
	s := newTestServer(t)
	for i, student := range []string{"s1", "s2", "s3"} {
		_, err := s.engine.ApplyEvent(context.Background(), &models.AttendanceEvent{
			ClassID: "class-1", StudentID: student, Day: "2026-08-25",
			Status: models.StatusPresent, OriginTimestamp: int64(i + 1), SourceDeviceID: "tablet-7",
		})
		require.NoError(t, err)
	}

	// Full resync without a known version.
	resp := s.post(t, "/v1/classes/class-1/catchup", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var full models.CatchUpResponse
	decodeBody(t, resp, &full)
	assert.Len(t, full.FullSnapshot, 3)
	assert.Empty(t, full.Delta)

	// Nothing changed since version 1: every record is at version 1.
	resp = s.post(t, "/v1/classes/class-1/catchup", map[string]interface{}{"known_version": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var delta models.CatchUpResponse
	decodeBody(t, resp, &delta)
	assert.Empty(t, delta.FullSnapshot)
	assert.Empty(t, delta.Delta)
}

// TestServer_CatchUp_BranchIsDistinguishable: the wire shape must let a
// client tell an empty delta (up to date) from a snapshot of an empty class.
func TestServer_CatchUp_BranchIsDistinguishable(t *testing.T) {
	s := newTestServer(t)
	_, err := s.engine.ApplyEvent(context.Background(), &models.AttendanceEvent{
		ClassID: "class-1", StudentID: "s1", Day: "2026-08-25",
		Status: models.StatusPresent, OriginTimestamp: 1, SourceDeviceID: "tablet-7",
	})
	require.NoError(t, err)

	// Up to date: the delta branch with nothing in it.
	resp := s.post(t, "/v1/classes/class-1/catchup", map[string]interface{}{"known_version": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var delta map[string]json.RawMessage
	decodeBody(t, resp, &delta)
	assert.JSONEq(t, "[]", string(delta["delta"]), "empty delta must still be an array")
	assert.NotContains(t, delta, "full_snapshot")

	// Full resync: the snapshot branch, delta explicitly null.
	resp = s.post(t, "/v1/classes/class-1/catchup", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot map[string]json.RawMessage
	decodeBody(t, resp, &snapshot)
	assert.JSONEq(t, "null", string(snapshot["delta"]))
	assert.Contains(t, snapshot, "full_snapshot")
}

func (s *testServer) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/v1/ws?token=" + s.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_WebSocket_SubscribeAndBroadcast(t *testing.T) {
	s := newTestServer(t)
	conn := s.dialWS(t)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Action: "subscribe", ClassID: "class-1"}))
	require.Eventually(t, func() bool { return s.hub.RoomSize("class-1") == 1 },
		2*time.Second, 10*time.Millisecond, "subscription should register")

	_, err := s.engine.ApplyEvent(context.Background(), &models.AttendanceEvent{
		ClassID: "class-1", StudentID: "s1", Day: "2026-08-25",
		Status: models.StatusAbsent, OriginTimestamp: 1, SourceDeviceID: "tablet-7",
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var message models.BroadcastMessage
	require.NoError(t, conn.ReadJSON(&message))
	assert.Equal(t, "class-1", message.ClassID)
	assert.Equal(t, "s1", message.StudentID)
	assert.Equal(t, models.StatusAbsent, message.Status)
	assert.Equal(t, int64(1), message.Version)
}

// TestServer_WebSocket_RoomIsolation: a subscriber of class-2 must not see
// class-1 traffic.
func TestServer_WebSocket_RoomIsolation(t *testing.T) {
	s := newTestServer(t)
	conn := s.dialWS(t)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Action: "subscribe", ClassID: "class-2"}))
	require.Eventually(t, func() bool { return s.hub.RoomSize("class-2") == 1 },
		2*time.Second, 10*time.Millisecond)

	_, err := s.engine.ApplyEvent(context.Background(), &models.AttendanceEvent{
		ClassID: "class-1", StudentID: "s1", Day: "2026-08-25",
		Status: models.StatusAbsent, OriginTimestamp: 1, SourceDeviceID: "tablet-7",
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var message models.BroadcastMessage
	err = conn.ReadJSON(&message)
	require.Error(t, err, "no broadcast should arrive for a class the connection never joined")
}

func TestServer_WebSocket_Unsubscribe(t *testing.T) {
	s := newTestServer(t)
	conn := s.dialWS(t)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Action: "subscribe", ClassID: "class-1"}))
	require.Eventually(t, func() bool { return s.hub.RoomSize("class-1") == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Action: "unsubscribe", ClassID: "class-1"}))
	require.Eventually(t, func() bool { return s.hub.RoomSize("class-1") == 0 },
		2*time.Second, 10*time.Millisecond)
}
