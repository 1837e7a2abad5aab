package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/nanitd/internal/core/auth"
	"github.com/trymwestin/nanitd/internal/core/poll"
	"github.com/trymwestin/nanitd/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu   sync.Mutex
	cred auth.Credential
	ok   bool
}

func (s *memStore) Load() (auth.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.ok, nil
}

func (s *memStore) Save(cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.ok = cred, true
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.ok = auth.Credential{}, false
	return nil
}

// newVendorServer fakes the slice of the Nanit cloud the daemon talks to.
func newVendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["mfa_token"] == "" {
				if body["password"] != "hunter2" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.WriteHeader(482)
				json.NewEncoder(w).Encode(map[string]string{"mfa_token": "mfa-1"})
				return
			}
			if body["mfa_code"] != "123456" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
			})
		case r.URL.Path == "/babies":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"babies": []map[string]interface{}{
					{"uid": "baby-1", "name": "June", "camera": map[string]string{"uid": "cam-1", "hardware": "pro"}},
				},
			})
		case r.URL.Path == "/babies/baby-1/events/last":
			json.NewEncoder(w).Encode(map[string]interface{}{"key": "FELL_ASLEEP", "time": 100})
		case r.URL.Path == "/focus/cameras/cam-1/connection_status":
			json.NewEncoder(w).Encode(map[string]interface{}{"connected": true})
		case r.URL.Path == "/babies/baby-1/stats/latest":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"latest": map[string]interface{}{"media_urls": map[string]string{"thumbnail": "url-a"}},
			})
		case strings.HasPrefix(r.URL.Path, "/babies/baby-1/messages"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"messages": []map[string]interface{}{{"id": 1, "type": "SOUND", "time": 99}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

type testEnv struct {
	srv      *httptest.Server
	tokenMgr *auth.TokenManager
	store    *state.SnapshotStore
	bus      *state.EventBus
	coord    *poll.Coordinator
}

func newTestEnv(t *testing.T, authenticated bool) *testEnv {
	t.Helper()

	vendor := newVendorServer(t)
	t.Cleanup(vendor.Close)

	apiClient := auth.NewClient(vendor.URL, vendor.Client(), testLogger())
	sessions := &memStore{}
	if authenticated {
		sessions.cred = auth.Credential{AccessToken: "access-0", RefreshToken: "refresh-0"}
		sessions.ok = true
	}
	tokenMgr := auth.NewTokenManager(apiClient, sessions, testLogger())
	if authenticated {
		restored, err := tokenMgr.Restore()
		require.NoError(t, err)
		require.True(t, restored)
	}

	bus := state.NewEventBus(testLogger())
	store := state.NewSnapshotStore(bus, testLogger())
	coord := poll.NewCoordinator(apiClient, tokenMgr, store, bus, time.Minute, 10*time.Second, testLogger())
	t.Cleanup(func() { coord.Stop(context.Background()) })

	server := NewServer(coord, tokenMgr, apiClient, store, bus, "", false, testLogger())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, tokenMgr: tokenMgr, store: store, bus: bus, coord: coord}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t, false)

	var status struct {
		AuthState   string `json:"auth_state"`
		Polling     bool   `json:"polling"`
		DeviceCount int    `json:"device_count"`
	}
	resp := getJSON(t, env.srv.URL+"/api/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unauthenticated", status.AuthState)
	assert.False(t, status.Polling)
	assert.Zero(t, status.DeviceCount)
}

func TestServer_LoginFlow(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("wrong password is rejected", func(t *testing.T) {
		resp, _ := postJSON(t, env.srv.URL+"/api/login", map[string]string{
			"email":    "user@example.com",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("login requires MFA", func(t *testing.T) {
		resp, body := postJSON(t, env.srv.URL+"/api/login", map[string]string{
			"email":    "user@example.com",
			"password": "hunter2",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["mfa_required"])
		assert.Equal(t, auth.StateMFAPending, env.tokenMgr.State())
	})

	t.Run("wrong MFA code is rejected", func(t *testing.T) {
		resp, _ := postJSON(t, env.srv.URL+"/api/login/mfa", map[string]string{"code": "000000"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("correct MFA code authenticates and starts polling", func(t *testing.T) {
		resp, _ := postJSON(t, env.srv.URL+"/api/login/mfa", map[string]string{"code": "123456"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, auth.StateAuthenticated, env.tokenMgr.State())
		assert.True(t, env.coord.Running())
	})
}

func TestServer_Devices(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("empty before first refresh", func(t *testing.T) {
		var snap state.Snapshot
		resp := getJSON(t, env.srv.URL+"/api/devices", &snap)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, snap.Babies)
	})

	t.Run("device lookup before first refresh is 404", func(t *testing.T) {
		resp := getJSON(t, env.srv.URL+"/api/devices/baby-1", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("on-demand refresh returns the new snapshot", func(t *testing.T) {
		resp, err := http.Post(env.srv.URL+"/api/refresh", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snap state.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		require.Contains(t, snap.Babies, "baby-1")
		assert.Equal(t, "FELL_ASLEEP", snap.Babies["baby-1"].LatestEvent.Key)
		assert.Equal(t, "url-a", snap.Babies["baby-1"].ThumbnailURL)
		assert.True(t, snap.Babies["baby-1"].Connection.Connected)
	})

	t.Run("device lookup after refresh", func(t *testing.T) {
		var baby state.Baby
		resp := getJSON(t, env.srv.URL+"/api/devices/baby-1", &baby)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "June", baby.Name)
	})

	t.Run("unknown device is 404", func(t *testing.T) {
		resp := getJSON(t, env.srv.URL+"/api/devices/baby-9", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_StreamURL(t *testing.T) {
	t.Run("requires authentication", func(t *testing.T) {
		env := newTestEnv(t, false)
		resp := getJSON(t, env.srv.URL+"/api/devices/baby-1/stream-url", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("embeds the current access token", func(t *testing.T) {
		env := newTestEnv(t, true)
		var body map[string]string
		resp := getJSON(t, env.srv.URL+"/api/devices/baby-1/stream-url", &body)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "rtmps://media-secured.nanit.com/nanit/baby-1.access-0", body["stream_url"])
	})
}

func TestServer_DeviceEvents(t *testing.T) {
	env := newTestEnv(t, true)

	var body struct {
		Events []auth.Message `json:"events"`
	}
	resp := getJSON(t, env.srv.URL+"/api/devices/baby-1/events", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "SOUND", body.Events[0].Type)
}

func TestServer_EventsWebSocket(t *testing.T) {
	env := newTestEnv(t, true)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The websocket client counts as a bus subscriber.
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount() > 0
	}, time.Second, 10*time.Millisecond)

	env.bus.Publish(state.Event{Type: state.EventDeviceOnline, BabyUID: "baby-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt state.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, state.EventDeviceOnline, evt.Type)
	assert.Equal(t, "baby-1", evt.BabyUID)
}
