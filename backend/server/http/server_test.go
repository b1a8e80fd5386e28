package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/callrelay/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakePresence struct {
	users []model.UserStatus
	ice   []webrtc.ICEServer
}

func (f *fakePresence) Presence() []model.UserStatus   { return f.users }
func (f *fakePresence) ICEServers() []webrtc.ICEServer { return f.ice }

func newTestServer(t *testing.T, svc PresenceService) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, PresenceService: svc, ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, dst any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if err = json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakePresence{})

	var got map[string]bool
	getJSON(t, ts.URL+"/healthz", &got)
	if !got["ok"] {
		t.Fatalf("unexpected health payload: %v", got)
	}
}

func TestUsers(t *testing.T) {
	svc := &fakePresence{users: []model.UserStatus{
		{Username: "Alice", Status: "InCall"},
		{Username: "Bob", Status: "InCall"},
		{Username: "Carol", Status: "Available"},
	}}
	ts := newTestServer(t, svc)

	var got UsersResponse
	resp := getJSON(t, ts.URL+"/api/users", &got)
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("allow origin=%q, want *", origin)
	}
	if len(got.Users) != len(svc.users) {
		t.Fatalf("got %d users, want %d", len(got.Users), len(svc.users))
	}
	for i := range svc.users {
		if got.Users[i] != svc.users[i] {
			t.Fatalf("user %d: got %+v, want %+v", i, got.Users[i], svc.users[i])
		}
	}
}

func TestICE(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		ts := newTestServer(t, &fakePresence{ice: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "user", Credential: "pass"},
		}})

		var got struct {
			ICEServers []map[string]any `json:"iceServers"`
		}
		getJSON(t, ts.URL+"/api/ice", &got)
		if len(got.ICEServers) != 2 {
			t.Fatalf("got %d servers, want 2", len(got.ICEServers))
		}
		if _, ok := got.ICEServers[0]["urls"]; !ok {
			t.Fatalf("no urls field: %#v", got.ICEServers[0])
		}
		if got.ICEServers[1]["username"] != "user" {
			t.Fatalf("no turn username: %#v", got.ICEServers[1])
		}
	})

	t.Run("empty", func(t *testing.T) {
		ts := newTestServer(t, &fakePresence{})

		var got map[string]json.RawMessage
		getJSON(t, ts.URL+"/api/ice", &got)
		if string(got["iceServers"]) != "[]" {
			t.Fatalf("iceServers=%s, want []", got["iceServers"])
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakePresence{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/users", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("no allowed methods in preflight response")
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, &fakePresence{})

	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
