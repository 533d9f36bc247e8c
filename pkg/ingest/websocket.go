package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/httpx"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// StreamMessage is one candle update pushed to a stream client
type StreamMessage struct {
	Category     string            `json:"category"`
	Symbol       string            `json:"symbol"`
	Resolution   string            `json:"resolution"`
	BucketStart  int64             `json:"bucket_start"`
	ChangedLines []compaction.Line `json:"changed_lines"`
	Candle       engine.Candle     `json:"candle"`
}

// StreamHub manages WebSocket clients that follow candle updates
type StreamHub struct {
	bus    *notify.Bus
	reader session.Reader
	logger *zap.Logger

	clients    map[*websocket.Conn]string
	register   chan streamClient
	unregister chan *websocket.Conn

	mu sync.RWMutex
}

type streamClient struct {
	conn *websocket.Conn
	id   string
}

// NewStreamHub creates a hub that subscribes clients to bus and reads
// candles from reader
func NewStreamHub(bus *notify.Bus, reader session.Reader, logger *zap.Logger) *StreamHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHub{
		bus:        bus,
		reader:     reader,
		logger:     logger.Named("stream"),
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan streamClient, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
	}
}

// Run tracks client registrations until ctx is done, then closes every
// remaining connection
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]string)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.id
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("stream client connected", zap.String("subscription", c.id), zap.Int("total", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			id, ok := h.clients[conn]
			if ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.logger.Info("stream client disconnected", zap.String("subscription", id), zap.Int("total", count))
			}
		}
	}
}

// HasClients returns true if there are any connected stream clients
func (h *StreamHub) HasClients() bool {
	return h.Clients() > 0
}

// Clients returns the number of connected stream clients
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ParseStreamFilters reads the "sub" query parameters. Each value is
// category:symbol[:resolution] and may hold several comma-separated filters.
func ParseStreamFilters(r *http.Request) ([]notify.Filter, error) {
	var filters []notify.Filter
	for _, raw := range r.URL.Query()["sub"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := notify.ParseFilter(part)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}
	if len(filters) == 0 {
		return nil, notify.ErrNoFilters
	}
	if len(filters) > config.WSMaxFilters {
		return nil, fmt.Errorf("too many filters: got %d, max %d", len(filters), config.WSMaxFilters)
	}
	return filters, nil
}

// HandleStream handles GET /v1/stream?sub=category:symbol[:resolution]
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := ParseStreamFilters(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub, err := h.bus.Subscribe(filters)
	if err != nil {
		h.logger.Warn("subscribe failed", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(config.WSWriteDeadline))
		conn.Close()
		return
	}

	select {
	case h.register <- streamClient{conn: conn, id: sub.ID}:
	default:
		h.logger.Warn("stream hub busy, client not tracked", zap.String("subscription", sub.ID))
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.bus.Unsubscribe(sub)
		select {
		case h.unregister <- conn:
		default:
			conn.Close()
		}
	}()

	go h.readLoop(conn, cancel)
	go h.pingLoop(ctx, conn)

	sess := session.New(sub, h.reader, h.logger)
	err = sess.Run(ctx, func(u session.Update) error {
		msg := StreamMessage{
			Category:     u.Event.Instrument.Category,
			Symbol:       u.Event.Instrument.Symbol,
			Resolution:   u.Event.Resolution,
			BucketStart:  u.Event.BucketStart,
			ChangedLines: u.Event.ChangedLines,
			Candle:       u.Candle,
		}
		conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
		if err := conn.WriteJSON(msg); err != nil {
			// A dead connection ends the session
			cancel()
			return err
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("stream session ended", zap.String("subscription", sub.ID), zap.Error(err))
	}
}

// readLoop handles control frames and detects the client going away
func (h *StreamHub) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// pingLoop keeps the connection alive. WriteControl is safe to call
// concurrently with the session's writes.
func (h *StreamHub) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
				return
			}
		}
	}
}
