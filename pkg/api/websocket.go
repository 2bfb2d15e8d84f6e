package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/streamguard/moderator/pkg/hub"
	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/orchestrator"
)

// writeTimeout bounds a single WebSocket send so one stuck client cannot
// hold a session goroutine.
const writeTimeout = 5 * time.Second

// maxMissedPings is how many unanswered pings close a session.
const maxMissedPings = 2

// clientMessage is the JSON structure for client → server session messages.
type clientMessage struct {
	Action    string `json:"action"` // subscribe | unsubscribe | ping | start_simulation | stop_simulation | chat_message
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// wsEvent wraps a ProcessedEvent for delivery with its message type tag.
type wsEvent struct {
	Type string `json:"type"`
	*models.ProcessedEvent
}

// wsHandler handles GET /ws: upgrades the connection and runs the session
// until it closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is enforced by the fronting proxy
	})
	if err != nil {
		return err
	}

	sess := &wsSession{
		id:     uuid.New().String(),
		server: s,
		conn:   conn,
	}
	sess.run(c.Request().Context())
	return nil
}

// wsSession is one bidirectional session: a read loop handling control verbs
// and chat payloads, per-subscription pump goroutines delivering hub events,
// and an idle-ping watchdog.
type wsSession struct {
	id     string
	server *Server
	conn   *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*hub.Subscription // channel → subscription

	// activity is the unix-nano timestamp of the last inbound frame.
	activity atomic.Int64
}

// run drives the session until the connection closes. Blocks.
func (sess *wsSession) run(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sess.subs = make(map[string]*hub.Subscription)
	sess.activity.Store(time.Now().UnixNano())

	defer sess.cleanup()

	sess.sendJSON(ctx, map[string]string{
		"type":       "connection.established",
		"session_id": sess.id,
	})

	go sess.pingLoop(ctx, cancel)

	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		sess.activity.Store(time.Now().UnixNano())

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid session message", "session_id", sess.id, "error", err)
			continue
		}
		sess.handleMessage(ctx, &msg)
	}
}

// handleMessage dispatches one client message.
func (sess *wsSession) handleMessage(ctx context.Context, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			sess.sendError(ctx, "channel is required for subscribe")
			return
		}
		sess.subscribe(ctx, msg.Channel)

	case "unsubscribe":
		if msg.Channel == "" {
			sess.sendError(ctx, "channel is required for unsubscribe")
			return
		}
		sess.unsubscribe(msg.Channel)
		sess.sendJSON(ctx, map[string]string{
			"type":    "subscription.removed",
			"channel": msg.Channel,
		})

	case "ping":
		sess.sendJSON(ctx, map[string]string{"type": "pong"})

	case "pong":
		// Activity timestamp already refreshed by the read loop.

	case "start_simulation":
		channel := msg.Channel
		if channel == "" {
			channel = sess.firstSubscribedChannel()
		}
		if channel == "" {
			sess.sendError(ctx, "subscribe to a channel before starting a simulation")
			return
		}
		// The simulation outlives request scope but not the process; it is
		// stopped by stop_simulation or at shutdown, not by unsubscribing or
		// closing this session.
		sess.server.simulator.Start(context.WithoutCancel(ctx), channel)
		sess.sendJSON(ctx, map[string]string{
			"type":    "simulation.started",
			"channel": channel,
		})

	case "stop_simulation":
		channel := msg.Channel
		if channel == "" {
			channel = sess.firstSubscribedChannel()
		}
		sess.server.simulator.Stop(channel)
		sess.sendJSON(ctx, map[string]string{
			"type":    "simulation.stopped",
			"channel": channel,
		})

	case "chat_message":
		sess.handleChat(ctx, msg)

	default:
		sess.sendError(ctx, "unknown action: "+msg.Action)
	}
}

// handleChat runs a user-originated chat payload through the pipeline. The
// result reaches subscribers via the hub; processing runs off the read loop
// so a slow upstream cannot stall session control traffic.
func (sess *wsSession) handleChat(ctx context.Context, msg *clientMessage) {
	if msg.Message == "" || msg.ChannelID == "" {
		sess.sendError(ctx, "chat_message requires message and channel_id")
		return
	}
	userID := msg.UserID
	if userID == "" {
		userID = "session:" + sess.id
	}

	incoming := &models.IncomingMessage{
		MessageID: models.NewMessageID(),
		UserID:    userID,
		Username:  msg.Username,
		ChannelID: msg.ChannelID,
		Body:      msg.Message,
		Timestamp: time.Now(),
	}

	go func() {
		if _, err := sess.server.orchestrator.Moderate(context.WithoutCancel(ctx), incoming, orchestrator.Options{}); err != nil {
			slog.Warn("Session chat message rejected",
				"session_id", sess.id, "error", err)
			sess.sendError(ctx, "message rejected: "+err.Error())
		}
	}()
}

// subscribe registers for a channel and starts the event pump.
func (sess *wsSession) subscribe(ctx context.Context, channel string) {
	sess.subMu.Lock()
	if _, exists := sess.subs[channel]; exists {
		sess.subMu.Unlock()
		sess.sendJSON(ctx, map[string]string{
			"type":    "subscription.confirmed",
			"channel": channel,
		})
		return
	}
	sub := sess.server.hub.Subscribe(channel)
	sess.subs[channel] = sub
	sess.subMu.Unlock()

	sess.sendJSON(ctx, map[string]string{
		"type":    "subscription.confirmed",
		"channel": channel,
	})

	go sess.pump(ctx, sub)
}

// unsubscribe removes a channel subscription.
func (sess *wsSession) unsubscribe(channel string) {
	sess.subMu.Lock()
	sub := sess.subs[channel]
	delete(sess.subs, channel)
	sess.subMu.Unlock()
	if sub != nil {
		sess.server.hub.Unsubscribe(sub)
	}
}

// pump delivers hub events to the client in publish order until the
// subscription closes.
func (sess *wsSession) pump(ctx context.Context, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			sess.sendJSON(ctx, &wsEvent{Type: "chat_message", ProcessedEvent: event})
		}
	}
}

// pingLoop sends idle pings and closes sessions that miss two of them.
func (sess *wsSession) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	interval := sess.server.cfg.Session.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, sess.activity.Load()))
			if idle > time.Duration(maxMissedPings)*interval {
				slog.Info("Closing idle session", "session_id", sess.id, "idle", idle)
				cancel()
				_ = sess.conn.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}
			sess.sendJSON(ctx, map[string]string{"type": "ping"})
		}
	}
}

// firstSubscribedChannel returns any subscribed channel, or empty.
func (sess *wsSession) firstSubscribedChannel() string {
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	for channel := range sess.subs {
		return channel
	}
	return ""
}

// cleanup releases all subscriptions and closes the socket.
func (sess *wsSession) cleanup() {
	sess.subMu.Lock()
	subs := make([]*hub.Subscription, 0, len(sess.subs))
	for _, sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.subs = make(map[string]*hub.Subscription)
	sess.subMu.Unlock()

	for _, sub := range subs {
		sess.server.hub.Unsubscribe(sub)
	}
	_ = sess.conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends one message, serialized across the session's
// writer goroutines, with a write timeout.
func (sess *wsSession) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal session message", "session_id", sess.id, "error", err)
		return
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := sess.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send session message", "session_id", sess.id, "error", err)
	}
}

func (sess *wsSession) sendError(ctx context.Context, message string) {
	sess.sendJSON(ctx, map[string]string{"type": "error", "message": message})
}
