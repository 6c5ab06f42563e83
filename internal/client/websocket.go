package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LiveMessage is one frame sent to the live log viewer
type LiveMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// LiveLines is the payload of a "log" message
type LiveLines struct {
	JobID string   `json:"job_id"`
	Lines []string `json:"lines"`
}

const (
	// Time allowed to write a message to the peer
	liveWriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	livePongWait = 60 * time.Second
	// Send pings to peer with this period (must be less than pongWait)
	livePingPeriod = (livePongWait * 9) / 10
	// Maximum message size allowed from peer
	liveMaxMessageSize = 4 * 1024
	// Time Close waits for queued frames to go out
	liveCloseWait = 5 * time.Second
)

// LiveFeed streams the job's recent log lines to the live viewer over a websocket.
// It connects on the first push and reconnects on the next push after a drop.
type LiveFeed struct {
	baseURL string
	jobID   string
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sendChan chan []byte
	done     chan struct{}
	closed   bool
}

// NewLiveFeed creates a feed for jobID. baseURL may be http(s) or ws(s).
func NewLiveFeed(baseURL, jobID string, logger *zap.Logger) *LiveFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveFeed{
		baseURL: baseURL,
		jobID:   jobID,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.Named("livefeed"),
	}
}

// Push queues the current window of lines. It never blocks on the network.
func (f *LiveFeed) Push(ctx context.Context, lines []string) error {
	data, err := json.Marshal(LiveLines{JobID: f.jobID, Lines: lines})
	if err != nil {
		return errors.Wrap(err, "marshal lines")
	}
	message, err := json.Marshal(LiveMessage{Type: "log", Data: data})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("live feed closed")
	}
	if f.conn == nil {
		if err := f.connect(ctx); err != nil {
			return err
		}
	}

	select {
	case f.sendChan <- message:
		return nil
	default:
		return errors.New("send queue full, lines dropped")
	}
}

// Close flushes queued frames, sends a close frame and drops the connection
func (f *LiveFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.conn == nil {
		f.mu.Unlock()
		return nil
	}
	close(f.sendChan)
	done := f.done
	f.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(liveCloseWait):
		return errors.New("timed out closing live feed")
	}
}

// connect dials the viewer endpoint. Callers hold f.mu.
func (f *LiveFeed) connect(ctx context.Context) error {
	wsURL, err := url.Parse(f.baseURL)
	if err != nil {
		return errors.Wrap(err, "invalid live feed URL")
	}
	switch wsURL.Scheme {
	case "https", "wss":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = fmt.Sprintf("/ws/live/%s", f.jobID)

	conn, _, err := f.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return errors.Wrap(err, "connect live feed")
	}

	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetReadLimit(liveMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(livePongWait))
		return nil
	})

	f.conn = conn
	f.sendChan = make(chan []byte, 16)
	f.done = make(chan struct{})
	f.logger.Debug("live feed connected", zap.String("url", wsURL.String()))

	go f.readPump(conn)
	go f.writePump(conn, f.sendChan, f.done)
	return nil
}

// readPump handles control frames; the viewer sends nothing we act on
func (f *LiveFeed) readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debug("live feed read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only goroutine that writes to conn
func (f *LiveFeed) writePump(conn *websocket.Conn, send <-chan []byte, done chan struct{}) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				f.logger.Debug("live feed write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
