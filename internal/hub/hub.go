package hub

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/ingest"
	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/presence"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/status"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

// Appender is the slice of the stream manager the hub needs for edit
// and delete event publication.
type Appender interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
}

// Config carries the socket-facing tunables.
type Config struct {
	MaxConnections int
	PingPeriod     time.Duration
	PongWait       time.Duration
	IngestTimeout  time.Duration

	// Per-connection inbound frame limiting.
	InboundPerSec int
	InboundBurst  int

	// Per-IP connection attempt limiting.
	IPPerSec int
	IPBurst  int
}

// Hub owns every live websocket on this process: upgrade, handshake
// auth, connection registry, inbound routing and event fan-out. It is
// the only component that touches sockets; everything else hands it
// decoded events.
type Hub struct {
	cfg      Config
	auth     *Authenticator
	pipeline *ingest.Pipeline
	tracker  *status.Tracker
	presence *presence.Registry
	rooms    *rooms.Registry
	gateway  store.Store
	events   Appender
	logger   zerolog.Logger

	slots    chan struct{}
	draining atomic.Bool

	connMu sync.RWMutex
	conns  map[string]*Connection            // endpointID -> conn
	ident  map[string]map[string]*Connection // identity -> endpointID -> conn

	ipMu       sync.Mutex
	ipLimiters map[string]*rate.Limiter

	wg sync.WaitGroup

	ulidMu  sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewHub wires the hub.
func NewHub(cfg Config, auth *Authenticator, pipeline *ingest.Pipeline, tracker *status.Tracker, pres *presence.Registry, roomReg *rooms.Registry, gateway store.Store, events Appender, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		auth:       auth,
		pipeline:   pipeline,
		tracker:    tracker,
		presence:   pres,
		rooms:      roomReg,
		gateway:    gateway,
		events:     events,
		logger:     logger.With().Str("component", "hub").Logger(),
		slots:      make(chan struct{}, cfg.MaxConnections),
		conns:      make(map[string]*Connection),
		ident:      make(map[string]map[string]*Connection),
		ipLimiters: make(map[string]*rate.Limiter),
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

func (h *Hub) newEndpointID() string {
	h.ulidMu.Lock()
	defer h.ulidMu.Unlock()
	return ulid.MustNew(ulid.Now(), h.entropy).String()
}

// HandleWS upgrades an HTTP request into a managed websocket.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !h.ipLimiter(ip).Allow() {
		monitoring.ConnectionsFailed.Inc()
		monitoring.RateLimitedEvents.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case h.slots <- struct{}{}:
	default:
		monitoring.ConnectionsFailed.Inc()
		h.logger.Warn().Str("ip", ip).Int("max", h.cfg.MaxConnections).Msg("Connection capacity reached")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	release := func() { <-h.slots }

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		release()
		monitoring.ConnectionsFailed.Inc()
		h.logger.Debug().Err(err).Str("ip", ip).Msg("Upgrade failed")
		return
	}

	endpointID := h.newEndpointID()
	identity, err := h.authenticateSocket(r, conn, endpointID)
	if err != nil {
		release()
		monitoring.ConnectionsFailed.Inc()
		_ = conn.Close()
		h.logger.Debug().Err(err).Str("ip", ip).Msg("Handshake rejected")
		return
	}

	c := newConnection(endpointID, identity, ip, conn, h.cfg.InboundPerSec, h.cfg.InboundBurst)
	h.register(r.Context(), c, release)
}

// authWait bounds the handshake: a client that upgrades without a token
// has this long to send its authenticate frame.
const authWait = 10 * time.Second

// authenticateSocket resolves the socket's identity after the upgrade. A
// token on the upgrade request wins; otherwise the first frame must be
// authenticate{token, identity}. Success is confirmed with an
// authenticated frame; any failure answers auth_error and the socket is
// closed by the caller.
func (h *Hub) authenticateSocket(r *http.Request, conn net.Conn, sessionID string) (string, error) {
	if raw := TokenFromRequest(r); raw != "" {
		identity, err := h.auth.ValidateToken(raw)
		if err != nil {
			writeAuthError(conn, "invalid token", "INVALID_TOKEN")
			return "", err
		}
		writeFrame(conn, evAuthenticated, authenticatedPayload{Identity: identity, SessionID: sessionID})
		return identity, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return "", fmt.Errorf("%w: handshake read: %v", domain.ErrAuth, err)
		}
		switch op {
		case ws.OpText:
		case ws.OpClose:
			return "", fmt.Errorf("%w: closed during handshake", domain.ErrAuth)
		default:
			continue
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event != evAuthenticate {
			writeAuthError(conn, "first frame must be authenticate", "AUTH_REQUIRED")
			return "", fmt.Errorf("%w: expected authenticate frame", domain.ErrAuth)
		}
		var p authenticatePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			writeAuthError(conn, "authenticate needs {token, identity}", "BAD_FRAME")
			return "", fmt.Errorf("%w: undecodable authenticate frame", domain.ErrAuth)
		}
		identity, err := h.auth.ValidateToken(p.Token)
		if err != nil {
			writeAuthError(conn, "invalid token", "INVALID_TOKEN")
			return "", err
		}
		if p.Identity != "" && p.Identity != identity {
			writeAuthError(conn, "identity does not match token", "IDENTITY_MISMATCH")
			return "", fmt.Errorf("%w: identity claim mismatch", domain.ErrAuth)
		}

		_ = conn.SetReadDeadline(time.Time{})
		writeFrame(conn, evAuthenticated, authenticatedPayload{Identity: identity, SessionID: sessionID})
		return identity, nil
	}
}

// writeFrame writes one frame directly, for use before the pumps exist.
func writeFrame(conn net.Conn, event string, data any) {
	out, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(conn, ws.OpText, out)
}

func writeAuthError(conn net.Conn, msg, code string) {
	writeFrame(conn, evAuthError, authErrorPayload{Message: msg, Code: code})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
}

func (h *Hub) register(ctx context.Context, c *Connection, release func()) {
	h.connMu.Lock()
	h.conns[c.endpointID] = c
	byID := h.ident[c.identity]
	if byID == nil {
		byID = make(map[string]*Connection)
		h.ident[c.identity] = byID
	}
	byID[c.endpointID] = c
	h.connMu.Unlock()

	regCtx := context.WithoutCancel(ctx)
	wasOnline, _ := h.presence.IsOnline(regCtx, c.identity)
	if err := h.presence.Register(regCtx, c.identity, c.endpointID); err != nil {
		h.logger.Warn().Str("identity", c.identity).Err(err).Msg("Presence registration failed")
	}
	if !wasOnline {
		h.publishUserEvent(regCtx, domain.EventUserConnected, c.identity, "")
	}

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	h.logger.Info().
		Str("identity", c.identity).
		Str("endpoint_id", c.endpointID).
		Str("ip", c.remoteIP).
		Msg("Client connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	go func() {
		defer h.wg.Done()
		defer release()
		h.readPump(c)
	}()
}

func (h *Hub) unregister(c *Connection) {
	h.connMu.Lock()
	if _, ok := h.conns[c.endpointID]; !ok {
		h.connMu.Unlock()
		return
	}
	delete(h.conns, c.endpointID)
	if byID := h.ident[c.identity]; byID != nil {
		delete(byID, c.endpointID)
		if len(byID) == 0 {
			delete(h.ident, c.identity)
		}
	}
	h.connMu.Unlock()

	c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Unregister(ctx, c.identity, c.endpointID); err != nil {
		h.logger.Warn().Str("identity", c.identity).Err(err).Msg("Presence unregistration failed")
	}
	if online, err := h.presence.IsOnline(ctx, c.identity); err == nil && !online {
		reason := "connection_closed"
		if h.draining.Load() {
			reason = "server_shutdown"
		}
		h.publishUserEvent(ctx, domain.EventUserDisconnected, c.identity, reason)
	}

	monitoring.ConnectionsActive.Dec()
	h.logger.Info().
		Str("identity", c.identity).
		Str("endpoint_id", c.endpointID).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

func (h *Hub) ipLimiter(ip string) *rate.Limiter {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	l, ok := h.ipLimiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.cfg.IPPerSec), h.cfg.IPBurst)
		h.ipLimiters[ip] = l
	}
	return l
}

// ActiveConnections reports the live connection count on this process.
func (h *Hub) ActiveConnections() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns)
}

// pushTo queues data on every live connection of identity. Slow
// connections that struck out are dropped.
func (h *Hub) pushTo(identity string, data []byte) int {
	h.connMu.RLock()
	targets := make([]*Connection, 0, len(h.ident[identity]))
	for _, c := range h.ident[identity] {
		targets = append(targets, c)
	}
	h.connMu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
			continue
		}
		h.logger.Warn().
			Str("identity", c.identity).
			Str("endpoint_id", c.endpointID).
			Msg("Dropping slow client")
		h.unregister(c)
	}
	return delivered
}

// broadcast queues data on every live connection.
func (h *Hub) broadcast(data []byte) {
	h.connMu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.connMu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.unregister(c)
		}
	}
}

// DeliverMessage fans a NEW_MESSAGE (or edit/delete) event out to every
// participant of its conversation with a live socket here.
func (h *Hub) DeliverMessage(ctx context.Context, ev *domain.MessageEvent) {
	if ev.Message == nil {
		return
	}
	outEvent := evNewMessage
	switch ev.EventType {
	case domain.EventMessageEdited:
		outEvent = evMessageEdited
	case domain.EventMessageDeleted:
		outEvent = evMessageDeleted
	}
	data, err := encodeFrame(outEvent, ev.Message)
	if err != nil {
		return
	}

	ids, err := h.rooms.Participants(ctx, ev.Message.ConversationID)
	if err != nil {
		h.logger.Warn().
			Str("conversation_id", ev.Message.ConversationID).
			Err(err).
			Msg("Cannot resolve participants for delivery")
		return
	}
	for _, id := range ids {
		if n := h.pushTo(id, data); n > 0 && id != ev.Message.SenderID {
			monitoring.MessagesDelivered.Add(float64(n))
		}
	}
}

// DeliverStatus routes status changes to the conversation participants,
// so senders see delivery and read receipts in realtime.
func (h *Hub) DeliverStatus(ctx context.Context, ev *domain.StatusEvent) {
	var data []byte
	var err error
	if ev.EventType == domain.EventConversationRead {
		data, err = encodeFrame(evConversationMarkedRead, conversationReadPayload{
			ConversationID: ev.ConversationID,
			ReadBy:         ev.ReceiverID,
			UpToMessageID:  ev.UpToMessageID,
		})
	} else {
		data, err = encodeFrame(evMessageStatusChanged, statusChangedPayload{
			MessageID:      ev.MessageID,
			ConversationID: ev.ConversationID,
			ReceiverID:     ev.ReceiverID,
			Status:         ev.Status,
			Timestamp:      ev.Timestamp,
		})
	}
	if err != nil {
		return
	}
	if ev.ConversationID == "" {
		return
	}
	ids, err := h.rooms.Participants(ctx, ev.ConversationID)
	if err != nil {
		return
	}
	for _, id := range ids {
		h.pushTo(id, data)
	}
}

// DeliverConversation routes membership changes to everyone involved.
func (h *Hub) DeliverConversation(ctx context.Context, ev *domain.ConversationEvent) {
	data, err := encodeFrame(evConversationUpdated, ev)
	if err != nil {
		return
	}
	for _, id := range ev.Participants {
		h.pushTo(id, data)
	}
	// Room snapshots may be stale after membership changed elsewhere.
	h.rooms.Invalidate(ev.ConversationID)
}

// DeliverUser broadcasts presence transitions. Heartbeat expiries read
// the same as disconnects on the wire.
func (h *Hub) DeliverUser(ctx context.Context, ev *domain.UserEvent) {
	outEvent := evUserDisconnected
	if ev.EventType == domain.EventUserConnected {
		outEvent = evUserConnected
	}
	data, err := encodeFrame(outEvent, presencePayload{Identity: ev.Identity, Reason: ev.Reason})
	if err != nil {
		return
	}
	h.broadcast(data)
}

// publishUserEvent announces a presence transition on events:users so
// every process's dispatcher can fan it out.
func (h *Hub) publishUserEvent(ctx context.Context, eventType, identity, reason string) {
	payload, _ := json.Marshal(domain.UserEvent{
		EventType: eventType,
		Identity:  identity,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if _, err := h.events.Append(ctx, stream.EventsUsers, domain.StreamRecord{
		Kind:    domain.KindEventUser,
		Payload: payload,
	}); err != nil {
		h.logger.Warn().
			Str("identity", identity).
			Str("event_type", eventType).
			Err(err).
			Msg("Failed to publish user event")
	}
}

// DeliverFile broadcasts file lifecycle changes.
func (h *Hub) DeliverFile(ctx context.Context, ev *domain.FileEvent) {
	data, err := encodeFrame(evFileUpdated, ev)
	if err != nil {
		return
	}
	h.broadcast(data)
}

// Drain stops accepting upgrades, closes every connection and waits for
// the pumps to finish, bounded by ctx.
func (h *Hub) Drain(ctx context.Context) error {
	h.draining.Store(true)

	h.connMu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.connMu.RUnlock()

	h.logger.Info().Int("connections", len(targets)).Msg("Draining connections")
	for _, c := range targets {
		h.unregister(c)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
