package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/argon2"

	"github.com/alderwick/relay/internal/config"
	"github.com/alderwick/relay/internal/envelope"
)

func testConfig(t *testing.T, password string) config.ServerConfig {
	t.Helper()
	salt := []byte("test-salt-16byte")
	hash := argon2.IDKey([]byte(password), salt, 3, 65536, 2, 32)
	phc := "$argon2id$v=19$m=65536,t=3,p=2$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash)
	return config.ServerConfig{
		JWTSecret:         "test-jwt-secret",
		AdminUsername:     "admin",
		AdminPasswordHash: phc,
	}
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := New(st, testConfig(t, "hunter2"))
	ts := httptest.NewServer(srv.mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHandleLoginSuccess(t *testing.T) {
	_, ts := testServer(t)

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "hunter2"})
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["token"] == "" {
		t.Fatal("expected a token in the response")
	}
}

func TestHandleLoginWrongPassword(t *testing.T) {
	_, ts := testServer(t)

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleLoginRateLimited(t *testing.T) {
	_, ts := testServer(t)

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})
	var last *http.Response
	for i := 0; i < 10; i++ {
		resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("login request %d: %v", i, err)
		}
		last = resp
		resp.Body.Close()
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected eventual 429, got %d", last.StatusCode)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// TestHostAppRoundTrip exercises the full host->server->app path: a host
// connects, emits run.started then run.output, and a connected app receives
// both re-stamped with host_id (spec.md §4.8 "Fan-out").
func TestHostAppRoundTrip(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostConn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/host?host_id=host-1&host_token=tok-1"), nil)
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer hostConn.CloseNow()

	token, err := IssueAppJWT(srv.jwtKey, "admin")
	if err != nil {
		t.Fatalf("issue app jwt: %v", err)
	}
	appConn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/app?token="+token), nil)
	if err != nil {
		t.Fatalf("dial app: %v", err)
	}
	defer appConn.CloseNow()

	seq := int64(1)
	started := envelope.New(envelope.TypeRunStarted, map[string]any{
		"tool": "shell", "cwd": "/tmp", "command": "bash",
	}).WithRun("host-1", "run-1", seq)
	data, _ := json.Marshal(started)
	if err := hostConn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write run.started: %v", err)
	}

	_, ack, err := hostConn.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ackEnv envelope.Envelope
	json.Unmarshal(ack, &ackEnv)
	if ackEnv.Type != envelope.TypeRunAck {
		t.Fatalf("expected run.ack, got %q", ackEnv.Type)
	}

	_, fanned, err := appConn.Read(ctx)
	if err != nil {
		t.Fatalf("app read fan-out: %v", err)
	}
	var fannedEnv envelope.Envelope
	json.Unmarshal(fanned, &fannedEnv)
	if fannedEnv.Type != envelope.TypeRunStarted || fannedEnv.RunID != "run-1" || fannedEnv.HostID != "host-1" {
		t.Fatalf("unexpected fanned envelope: %+v", fannedEnv)
	}

	runs, err := srv.store.ListRuns()
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Status != "running" {
		t.Fatalf("expected persisted running run, got %+v", runs)
	}
}

// TestAppCommandRoutesToHost exercises the reverse direction: an app sends
// run.send_input and the server forwards it verbatim to the owning host.
func TestAppCommandRoutesToHost(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostConn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/host?host_id=host-1&host_token=tok-1"), nil)
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer hostConn.CloseNow()

	started := envelope.New(envelope.TypeRunStarted, map[string]any{"tool": "shell"}).WithRun("host-1", "run-2", 1)
	data, _ := json.Marshal(started)
	hostConn.Write(ctx, websocket.MessageText, data)
	hostConn.Read(ctx) // drain ack

	token, _ := IssueAppJWT(srv.jwtKey, "admin")
	appConn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/app?token="+token), nil)
	if err != nil {
		t.Fatalf("dial app: %v", err)
	}
	defer appConn.CloseNow()
	appConn.Read(ctx) // drain the fanned-out run.started

	sendInput := envelope.New(envelope.TypeRunSendInput, map[string]any{"actor": "user", "text": "hi"})
	sendInput.RunID = "run-2"
	payload, _ := json.Marshal(sendInput)
	if err := appConn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("app write: %v", err)
	}

	_, routed, err := hostConn.Read(ctx)
	if err != nil {
		t.Fatalf("host read routed command: %v", err)
	}
	var routedEnv envelope.Envelope
	json.Unmarshal(routed, &routedEnv)
	if routedEnv.Type != envelope.TypeRunSendInput {
		t.Fatalf("expected run.send_input routed to host, got %+v", routedEnv)
	}
}

func TestHostAuthTOFUThenMismatchRejected(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn1, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/host?host_id=host-tofu&host_token=first-token"), nil)
	if err != nil {
		t.Fatalf("first dial should succeed (TOFU): %v", err)
	}
	conn1.CloseNow()

	_, resp, err := websocket.Dial(ctx, wsURL(ts, "/ws/host?host_id=host-tofu&host_token=different-token"), nil)
	if err == nil {
		t.Fatal("expected second dial with mismatched token to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
