package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/alderwick/relay/internal/config"
	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/logger"
)

const wsWriteTimeout = 10 * time.Second

// Server is relayd-server's HTTP/WebSocket front (spec.md §4.8), modeled on
// the teacher's internal/relay.Server: a route table over http.ServeMux,
// one accepted WebSocket per connected host or app.
type Server struct {
	cfg    config.ServerConfig
	store  *Store
	jwtKey []byte

	routing   *runHostMap
	hostConns *hostConnRegistry
	broadcast *appBroadcast
	activeAt  *activeThrottle
	loginLim  *LoginLimiter

	mux        *http.ServeMux
	httpServer *http.Server
}

// New builds a Server bound to store and cfg.
func New(store *Store, cfg config.ServerConfig) *Server {
	srv := &Server{
		cfg:       cfg,
		store:     store,
		jwtKey:    []byte(cfg.JWTSecret),
		routing:   newRunHostMap(),
		hostConns: newHostConnRegistry(),
		broadcast: newAppBroadcast(),
		activeAt:  newActiveThrottle(),
		loginLim:  NewLoginLimiter(1, 5),
		mux:       http.NewServeMux(),
	}
	srv.routes()
	srv.httpServer = &http.Server{Addr: cfg.BindAddr, Handler: srv.mux}
	return srv
}

func (srv *Server) routes() {
	srv.mux.HandleFunc("POST /auth/login", srv.handleLogin)
	srv.mux.HandleFunc("GET /ws/host", srv.handleWSHost)
	srv.mux.HandleFunc("GET /ws/app", srv.handleWSApp)
	srv.mux.HandleFunc("GET /runs", srv.handleListRuns)
	srv.mux.HandleFunc("GET /runs/{id}/events", srv.handleRunEvents)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	stop := make(chan struct{})
	go srv.loginLim.RunEvictionLoop(stop)
	defer close(stop)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies username/password against the configured admin
// identity and issues a 24h JWT (spec.md §4.8 "Auth").
func (srv *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !srv.loginLim.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many attempts"})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json body"})
		return
	}
	if req.Username == "" || req.Username != srv.cfg.AdminUsername {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	ok, err := VerifyPassword(srv.cfg.AdminPasswordHash, req.Password)
	if err != nil {
		logger.Error("password verification failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	token, err := IssueAppJWT(srv.jwtKey, req.Username)
	if err != nil {
		logger.Error("issue app jwt failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleWSHost accepts a HostD connection: TOFU host-token auth, then a
// read loop persisting every inbound envelope and fanning it out to apps.
func (srv *Server) handleWSHost(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host_id")
	hostToken := r.URL.Query().Get("host_token")
	if hostID == "" || hostToken == "" {
		http.Error(w, "host_id and host_token are required", http.StatusBadRequest)
		return
	}
	if !srv.authenticateHost(hostID, hostToken) {
		http.Error(w, "host token mismatch", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("ws/host accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	hc := newHostConn(hostID)
	srv.hostConns.put(hc)
	defer srv.hostConns.remove(hostID, hc)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go srv.hostWriterLoop(ctx, conn, hc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad inbound host frame", "error", err)
			continue
		}
		srv.handleHostEnvelope(hc, env)
	}
}

// authenticateHost implements trust-on-first-use: the first connection for
// a host_id records sha256(token); later connections must match exactly.
func (srv *Server) authenticateHost(hostID, token string) bool {
	hash := HashToken(token)
	existing, found, err := srv.store.HostTokenHash(hostID)
	if err != nil {
		logger.Error("read host token hash failed", "error", err)
		return false
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if !found {
		if err := srv.store.RegisterHost(hostID, hash, now); err != nil {
			logger.Error("register host failed", "error", err)
			return false
		}
		return true
	}
	return existing == hash
}

func (srv *Server) hostWriterLoop(ctx context.Context, conn *websocket.Conn, hc *hostConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-hc.outbox:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logger.Warn("ws/host write failed", "error", err)
				return
			}
		}
	}
}

// handleHostEnvelope persists a host-originated envelope, acks it, and fans
// it out to every connected app (spec.md §4.8 "Persistence"/"Fan-out").
func (srv *Server) handleHostEnvelope(hc *hostConn, env envelope.Envelope) {
	data := srv.persistHostEvent(hc.hostID, env)
	if data != nil {
		srv.broadcast.publish(data)
	}
	if env.Durable() {
		ack := envelope.New(envelope.TypeRunAck, map[string]any{"run_id": env.RunID, "last_seq": *env.Seq})
		ackBytes, err := json.Marshal(ack)
		if err == nil {
			hc.send(ackBytes)
		}
	}
}

// handleWSApp accepts an app/CLI connection: JWT auth, subscribes it to the
// broadcast, and routes its outbound commands to the right host.
func (srv *Server) handleWSApp(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	if _, err := ValidateAppJWT(srv.jwtKey, token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("ws/app accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, unsubscribe := srv.broadcast.subscribe()
	defer unsubscribe()
	go srv.appWriterLoop(ctx, conn, sub)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad inbound app frame", "error", err)
			continue
		}
		srv.routeAppCommand(env, data)
	}
}

func (srv *Server) appWriterLoop(ctx context.Context, conn *websocket.Conn, sub chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logger.Warn("ws/app write failed", "error", err)
				return
			}
		}
	}
}

// routeAppCommand forwards an app-originated envelope to the host owning
// its run_id (or explicit host_id), consulting the in-memory map first and
// the database on a miss (spec.md §4.8 "Routing state").
func (srv *Server) routeAppCommand(env envelope.Envelope, raw []byte) {
	hostID := env.HostID
	if hostID == "" && env.RunID != "" {
		if h, ok := srv.routing.get(env.RunID); ok {
			hostID = h
		} else if h2, err := srv.store.GetRunHostID(env.RunID); err == nil {
			hostID = h2
			srv.routing.set(env.RunID, h2)
		}
	}
	if hostID == "" {
		logger.Warn("app command has no resolvable host", "type", env.Type, "run_id", env.RunID)
		return
	}
	hc, ok := srv.hostConns.get(hostID)
	if !ok {
		logger.Warn("app command targets disconnected host", "host_id", hostID, "type", env.Type)
		return
	}
	hc.send(raw)
}

func (srv *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := srv.store.ListRuns()
	if err != nil {
		logger.Error("list runs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunEvents supports resync after a lagged/disconnected app
// reconnects: return events for run id with seq greater than ?after=.
func (srv *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			after = n
		}
	}
	rows, err := srv.store.ListEventsSince(id, after, 1000)
	if err != nil {
		logger.Error("list events since failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"events":[`))
	for i, j := range rows {
		if i > 0 {
			w.Write([]byte(","))
		}
		w.Write([]byte(j))
	}
	w.Write([]byte(`]}`))
}
