// Package upstream implements HostD's reconnecting WebSocket driver to the
// server (spec.md §4.6), grounded on the teacher's internal/ws.Client
// (reconnect loop, registration-on-connect, single writer goroutine
// draining an outbound channel, typed read-loop dispatch) adapted from
// wing/roost framing to host_id/host_token-keyed envelopes.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/logger"
	"github.com/alderwick/relay/internal/run"
	"github.com/alderwick/relay/internal/spool"
)

const (
	reconnectDelay  = 3 * time.Second
	heartbeatPeriod = 10 * time.Second
	writeTimeout    = 10 * time.Second
	outboxSize      = 2048
	spoolDrainBatch = 10000
	heartbeatDrain  = 500
)

// Client is HostD's upstream link: one outbound connection per process,
// reconnecting forever until its context is cancelled.
type Client struct {
	ServerBaseURL string
	HostID        string
	HostToken     string

	Mgr   *run.Manager
	Spool *spool.Spool

	// LogPath, if set, is the path rpc.host.logs.tail reads from
	// (spec.md §6.6 HOSTD_LOG_PATH).
	LogPath string

	outbox chan []byte
}

// New builds an upstream client bound to mgr and spool. mgr's run events
// reach the server through this client; spool persists them so they survive
// a disconnect.
func New(serverBaseURL, hostID, hostToken string, mgr *run.Manager, sp *spool.Spool) *Client {
	return &Client{
		ServerBaseURL: serverBaseURL,
		HostID:        hostID,
		HostToken:     hostToken,
		Mgr:           mgr,
		Spool:         sp,
		outbox:        make(chan []byte, outboxSize),
	}
}

// Run spools every durable envelope the run manager produces (so it
// survives disconnects) and connects to the server, reconnecting on a flat
// 3 s backoff per spec.md §5 "Cancellation and timeouts", until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	go c.spoolWriter(ctx)

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("upstream disconnected, reconnecting", "error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// spoolWriter durably records every envelope the run manager emits,
// independent of connection state, so a disconnected host keeps queuing
// events rather than dropping them.
func (c *Client) spoolWriter(ctx context.Context) {
	sub := c.Mgr.Bus().Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if !env.Durable() {
				continue
			}
			if err := c.Spool.Insert(ctx, env); err != nil {
				logger.Error("spool insert failed", "error", err)
			}
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.ServerBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse server base url: %w", err)
	}
	u.Path = "/ws/host"
	q := u.Query()
	q.Set("host_id", c.HostID)
	q.Set("host_token", c.HostToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialURL, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writerLoop(connCtx, conn)

	if err := c.drainSpool(connCtx, spoolDrainBatch); err != nil {
		logger.Error("initial spool drain failed", "error", err)
	}

	busSub := c.Mgr.Bus().Subscribe()
	defer busSub.Close()
	go c.forwardLive(connCtx, busSub)

	go c.heartbeatLoop(connCtx)

	return c.readLoop(connCtx, conn)
}

func (c *Client) writerLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logger.Warn("upstream write failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) send(env envelope.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("marshal outbound envelope failed", "error", err)
		return
	}
	select {
	case c.outbox <- data:
	default:
		logger.Warn("upstream outbox full, dropping frame", "type", env.Type)
	}
}

// forwardLive relays every envelope the run manager produces, live, for as
// long as the connection is up — the durable copy also reaches the spool
// via spoolWriter, so a drop here (lagged subscriber) is not data loss.
func (c *Client) forwardLive(ctx context.Context, sub *run.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			c.send(env)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := envelope.New(envelope.TypeHostHeartbeat, map[string]any{"host_id": c.HostID})
			hb.HostID = c.HostID
			c.send(hb)
			if err := c.drainSpool(ctx, heartbeatDrain); err != nil {
				logger.Error("heartbeat spool drain failed", "error", err)
			}
		}
	}
}

func (c *Client) drainSpool(ctx context.Context, limit int) error {
	pending, err := c.Spool.Pending(ctx, limit)
	if err != nil {
		return err
	}
	for _, env := range pending {
		c.send(env)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad inbound frame", "error", err)
			continue
		}
		c.dispatch(ctx, env)
	}
}
