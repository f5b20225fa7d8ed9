// Package ws implements the WebSocket Gateway (spec.md §4.G): it accepts
// connections, owns the per-connection state machine, and drives the rest
// of the streaming subsystem (session.Session) for the life of the socket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asrstream/gateway/internal/engine"
	"github.com/asrstream/gateway/internal/hotwords"
	"github.com/asrstream/gateway/internal/session"
	"github.com/asrstream/gateway/internal/workerpool"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	// The wire protocol carries no subprotocol or origin requirement
	// (spec.md §6); any origin may open a stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler accepts streaming ASR connections and owns the shared resources
// every session is built from: the engine facade, the two worker pools,
// and the server-global hotword/beam configuration (spec.md §4.G, §4.H).
type Handler struct {
	eng         engine.Engine
	decoderPool *workerpool.DecoderPool
	ioPool      *workerpool.IOPool
	srvHotwords hotwords.ServerConfig
	log         *slog.Logger
}

// NewHandler builds a Handler from its shared dependencies.
func NewHandler(eng engine.Engine, decoderPool *workerpool.DecoderPool, ioPool *workerpool.IOPool, srvHotwords hotwords.ServerConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{eng: eng, decoderPool: decoderPool, ioPool: ioPool, srvHotwords: srvHotwords, log: log}
}

// ServeHTTP upgrades the connection and runs its session to completion.
// When the I/O pool is full, the request waits for a free slot before the
// upgrade; if the request's context ends first, it is answered with 503
// (spec.md §4.H: N_io bounds concurrent connection handlers).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.ioPool.Acquire(r.Context()); err != nil {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	defer h.ioPool.Release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	h.runSession(conn)
}

// runSession is the per-connection state machine (spec.md §4.G): Opened ->
// Configured -> Streaming -> Finalizing -> Closed. The states themselves
// are implicit in session.Session's fields (hotwordsEmbed, finalScheduled,
// eof); this loop only ever does two things per frame, handing off all
// decoding decisions to the Session.
func (h *Handler) runSession(conn *websocket.Conn) {
	ctx := context.Background()
	id := uuid.NewString()
	sender := newConnSender(conn)

	sess, err := session.Open(ctx, id, h.eng, h.decoderPool, h.srvHotwords, sender.send, h.log)
	if err != nil {
		h.log.Error("open session failed", "session_id", id, "err", err)
		return
	}
	h.log.Info("session opened", "session_id", id)
	defer func() {
		sess.Close(ctx)
		h.log.Info("session closed", "session_id", id)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			sender.markClosed()
			return
		}
		switch msgType {
		case websocket.TextMessage:
			sess.HandleControl(ctx, data)
		case websocket.BinaryMessage:
			sess.AppendAudio(data)
		}
	}
}

// connSender serializes writes to one WebSocket connection and remembers
// whether it is still usable, so a decode task racing a closed socket
// discards its reply silently instead of writing to a dead connection
// (spec.md §4.E step 4, §7 "Send on a closed channel").
type connSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newConnSender(conn *websocket.Conn) *connSender {
	return &connSender{conn: conn}
}

func (c *connSender) send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closed = true
		return false
	}
	return true
}

func (c *connSender) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
