// Package signal is the WebSocket signaling client of a media session.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signal connection closed")
)

const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeLeave     = "leave"
	TypeError     = "error"
)

// Message is the envelope of every signaling frame. Only the fields that
// belong to Type are set.
type Message struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// Identity names the remote participant; sent with the answer.
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
}

// Client owns one signaling WebSocket. Inbound frames are decoded and
// delivered in order on Messages until the connection ends.
type Client struct {
	conn *websocket.Conn
	opts Options

	send    chan []byte
	inbound chan Message

	mu       sync.RWMutex
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
	quit     chan struct{}
	once     sync.Once
	err      error

	wg     conc.WaitGroup
	logger zerolog.Logger
}

// Dial connects to endpoint presenting token as a bearer credential.
func Dial(ctx context.Context, endpoint, token string, opts Options) (*Client, error) {
	opts.defaults()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signal dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signal dial: %w", err)
	}
	ws.SetReadLimit(opts.ReadLimit)

	c := &Client{
		conn:    ws,
		opts:    opts,
		send:    make(chan []byte, opts.SendBuffer),
		inbound: make(chan Message, opts.SendBuffer),
		stop:    make(chan struct{}),
		quit:    make(chan struct{}),
		logger:  log.With().Str("module", "adapters.signal").Str("endpoint", endpoint).Logger(),
	}
	c.wg.Go(c.writePump)
	c.wg.Go(c.readPump)
	c.logger.Info().Msg("signal connected")
	return c, nil
}

// Messages yields inbound frames; it is closed when the connection ends.
func (c *Client) Messages() <-chan Message { return c.inbound }

// Done is closed once the connection is shut down.
func (c *Client) Done() <-chan struct{} { return c.quit }

// Err reports why the connection ended, if it ended on its own.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send queues m without blocking.
func (c *Client) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close flushes queued frames, closes the connection and waits for its pumps.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
	})
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		close(c.quit)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	ping, _ := json.Marshal(Message{Type: TypePing})

	for {
		var data []byte
		select {
		case <-c.quit:
			return
		case <-c.stop:
			c.flush()
			c.shutdown(nil)
			return
		case data = <-c.send:
		case <-ticker.C:
			data = ping
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			c.logger.Error().Err(err).Msg("writePump write error")
			c.shutdown(err)
			return
		}
	}
}

// flush writes whatever is still queued followed by a close frame.
func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.write(websocket.CloseMessage, msg)
			return
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *Client) readPump() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				c.shutdown(nil)
			case <-c.quit:
			default:
				c.logger.Warn().Err(err).Msg("readPump read error")
				c.shutdown(err)
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		if m.Type == TypePong {
			continue
		}
		select {
		case c.inbound <- m:
		case <-c.quit:
			return
		}
	}
}
