package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/clock"
	"ginger/server/internal/handlers"
	"ginger/server/internal/models"
	"ginger/server/internal/realtime"
	"ginger/server/internal/routes"
	"ginger/server/internal/store/memory"
	"ginger/server/internal/utils"
	"ginger/server/internal/vibe"
	"ginger/server/internal/vibe/vibetest"
)

type api struct {
	t       *testing.T
	app     *fiber.App
	store   *memory.Store
	manager *vibe.Manager
	tokens  *utils.Tokens
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := zerolog.Nop()
	changes := bus.NewMemory(log)
	t.Cleanup(func() { changes.Close() })

	store := memory.New(changes, log)
	for _, id := range []string{"alice", "bob", "denied"} {
		store.PutProfile(models.Profile{ID: id, DisplayName: strings.ToUpper(id[:1]) + id[1:]})
	}

	hub := realtime.NewHub(log, nil)
	deps := vibe.NewDeps(vibe.Options{
		Store:   store,
		Changes: changes,
		Rooms:   changes,
		Sink:    hub,
		Clock:   clock.Real(),
		Config:  vibe.DefaultConfig(),
		Log:     log,
	})
	manager := vibe.NewManager(deps, func(userID string) vibe.MediaDevice {
		if userID == "denied" {
			return &vibetest.FakeMedia{Err: vibe.ErrPermissionDenied}
		}
		return &vibetest.FakeMedia{}
	})
	t.Cleanup(manager.Close)

	h := handlers.New(handlers.Deps{
		Manager:    manager,
		Relay:      deps.Relay,
		Profiles:   deps.Profiles,
		Matches:    store,
		Hub:        hub,
		Media:      realtime.NewRemoteMedia(hub, log),
		Commands:   realtime.NewCommands(manager, deps.Relay, hub, log),
		ICEServers: vibe.ICEServers(nil),
		Log:        log,
	})

	app := fiber.New()
	tokens := utils.NewTokens("test-secret")
	routes.SetupRoutes(app, h, tokens)
	return &api{t: t, app: app, store: store, manager: manager, tokens: tokens}
}

func (a *api) do(userID, method, path, body string) (int, envelope) {
	a.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, err := a.tokens.MintToken(userID, time.Hour)
		if err != nil {
			a.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req, 5000)
	if err != nil {
		a.t.Fatal(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		a.t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func snapshotOf(t *testing.T, env envelope) vibe.Snapshot {
	t.Helper()
	var snap vibe.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestHealthIsPublic(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("", "GET", "/api/v1/health", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
}

func TestVibeRoutesRequireAuth(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("", "POST", "/api/v1/vibe/search", "")
	if status != http.StatusUnauthorized || env.Success {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
}

func TestSearchLifecycle(t *testing.T) {
	a := newAPI(t)

	status, env := a.do("alice", "GET", "/api/v1/vibe/state", "")
	if status != http.StatusOK || snapshotOf(t, env).State != vibe.StateIdle {
		t.Fatalf("initial state: %d %+v", status, env)
	}

	status, env = a.do("alice", "POST", "/api/v1/vibe/search", "")
	if status != http.StatusOK {
		t.Fatalf("search: %d %+v", status, env)
	}
	if snap := snapshotOf(t, env); snap.State != vibe.StateSearching || !snap.VideoEnabled {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(a.store.Entries()) != 1 {
		t.Fatal("not queued")
	}

	status, env = a.do("alice", "POST", "/api/v1/vibe/search", "")
	if status != http.StatusConflict || env.Code != "invalid_state" {
		t.Fatalf("second search: %d %+v", status, env)
	}

	status, env = a.do("alice", "POST", "/api/v1/vibe/decision", `{"decision":"yes"}`)
	if status != http.StatusConflict || env.Code != "invalid_state" {
		t.Fatalf("decide while searching: %d %+v", status, env)
	}

	status, env = a.do("alice", "POST", "/api/v1/vibe/media/video/toggle", "")
	if status != http.StatusOK {
		t.Fatalf("toggle: %d %+v", status, env)
	}
	var toggled struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(env.Data, &toggled); err != nil || toggled.Enabled {
		t.Fatalf("toggle data = %s", env.Data)
	}

	status, env = a.do("alice", "POST", "/api/v1/vibe/cancel", "")
	if status != http.StatusOK || snapshotOf(t, env).State != vibe.StateIdle {
		t.Fatalf("cancel: %d %+v", status, env)
	}
	if len(a.store.Entries()) != 0 {
		t.Fatal("entry left after cancel")
	}
	if a.manager.Len() != 0 {
		t.Fatalf("idle flow kept for an offline user: %d flows", a.manager.Len())
	}
}

func TestOfflineRequestsKeepNoFlows(t *testing.T) {
	a := newAPI(t)
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("user-%d", i)
		if status, env := a.do(user, "GET", "/api/v1/vibe/state", ""); status != http.StatusOK || snapshotOf(t, env).State != vibe.StateIdle {
			t.Fatalf("state: %d %+v", status, env)
		}
		if status, env := a.do(user, "POST", "/api/v1/vibe/cancel", ""); status != http.StatusConflict || env.Code != "invalid_state" {
			t.Fatalf("cancel: %d %+v", status, env)
		}
		if status, env := a.do(user, "POST", "/api/v1/vibe/exit", ""); status != http.StatusOK || snapshotOf(t, env).State != vibe.StateIdle {
			t.Fatalf("exit: %d %+v", status, env)
		}
	}
	if a.manager.Len() != 0 {
		t.Fatalf("flows = %d, want 0", a.manager.Len())
	}
}

func TestMediaFailureCarriesUserMessage(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("denied", "POST", "/api/v1/vibe/search", "")
	if status != http.StatusFailedDependency || env.Code != "media" {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
	if !strings.Contains(env.Error, "permission") {
		t.Fatalf("message = %q", env.Error)
	}
	if len(a.store.Entries()) != 0 {
		t.Fatal("queued without media")
	}
	if a.manager.Len() != 0 {
		t.Fatal("failed search kept a flow")
	}
}

func TestToggleUnknownTrack(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("alice", "POST", "/api/v1/vibe/media/screen/toggle", "")
	if status != http.StatusBadRequest || env.Code != "unknown_track" {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
}

func TestSignalDropsInvalidMessages(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("alice", "POST", "/api/v1/vibe/signal", `{"kind":"offer","to":"bob","sdp":"garbage"}`)
	if status != http.StatusAccepted || !env.Success {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
}

func TestICEServers(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("alice", "GET", "/api/v1/vibe/ice-servers", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var data struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.ICEServers) != len(vibe.DefaultSTUNURLs) || data.ICEServers[0].URLs[0] != vibe.DefaultSTUNURLs[0] {
		t.Fatalf("servers = %+v", data.ICEServers)
	}
}

func TestGetMatches(t *testing.T) {
	a := newAPI(t)
	now := time.Now().UTC()
	_, err := a.store.CreateMatch(context.Background(), models.MatchRecord{
		ID: "m1", UserA: "alice", UserB: "bob", DecisionA: models.DecisionYes, DecisionB: models.DecisionYes,
		SessionID: "s1", MatchedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	status, env := a.do("bob", "GET", "/api/v1/matches", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
	var items []models.MatchWithPartner
	if err := json.Unmarshal(env.Data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Partner.ID != "alice" || items[0].Partner.DisplayName != "Alice" || items[0].IsOnline {
		t.Fatalf("items = %+v", items)
	}

	_, env = a.do("carol", "GET", "/api/v1/matches", "")
	if string(env.Data) != "[]" {
		t.Fatalf("carol's matches = %s", env.Data)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	a := newAPI(t)
	status, env := a.do("alice", "GET", "/api/v1/ws", "")
	if status != http.StatusUpgradeRequired || env.Success {
		t.Fatalf("status = %d, env = %+v", status, env)
	}

	status, env = a.do("alice", "GET", "/api/v1/ws/stats", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("stats: %d %+v", status, env)
	}
}
