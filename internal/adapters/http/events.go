package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// eventFrame is the JSON shape of one notification on the wire.
type eventFrame struct {
	Type       string                   `json:"type"`
	State      string                   `json:"state,omitempty"`
	Speaking   *bool                    `json:"speaking,omitempty"`
	Entry      *domain.TranscriptEntry  `json:"entry,omitempty"`
	Transcript []domain.TranscriptEntry `json:"transcript,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func frameOf(n call.Notification) eventFrame {
	f := eventFrame{Type: n.Kind.String()}
	switch n.Kind {
	case call.NotifyStateChanged:
		f.State = n.State.String()
	case call.NotifySpeakingChanged:
		v := n.Speaking
		f.Speaking = &v
	case call.NotifyTranscriptAppended:
		e := n.Entry
		f.Entry = &e
	case call.NotifyError:
		if n.Err != nil {
			f.Error = n.Err.Error()
		}
	}
	return f
}

func snapshotFrame(s call.Snapshot) eventFrame {
	v := s.Speaking
	return eventFrame{Type: "snapshot", State: s.State.String(), Speaking: &v, Transcript: s.Transcript}
}

// eventStream is the outbound side of one notification WebSocket.
type eventStream struct {
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	once   sync.Once
	cfg    config.EventsConfig
	logger zerolog.Logger
}

func newEventStream(conn *websocket.Conn, cfg config.EventsConfig, logger zerolog.Logger) *eventStream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32768
	}
	return &eventStream{
		conn:   conn,
		send:   make(chan []byte, cfg.Buffer),
		quit:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

func (s *eventStream) TrySend(f eventFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-s.quit:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *eventStream) Close() {
	s.once.Do(func() {
		close(s.quit)
		_ = s.conn.Close()
	})
}

func (s *eventStream) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	defer s.Close()
	for {
		select {
		case <-s.quit:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("event write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and keeps the read deadline alive on pongs.
func (s *eventStream) readPump() {
	defer s.Close()
	pongWait := s.cfg.PingPeriod * 10 / 9
	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// GET /api/ws/events streams the client's notifications, starting with a
// snapshot of the current state.
func (h *callHandlers) stream(c *gin.Context) {
	id := clientID(c)
	logger := log.With().Str("module", "adapters.http").Str("client", string(id)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade error")
		return
	}
	m := h.reg.GetOrCreate(id)
	st := newEventStream(ws, h.events, logger)

	sub := m.Subscribe(func(n call.Notification) {
		if err := st.TrySend(frameOf(n)); errors.Is(err, ErrBackpressure) {
			logger.Warn().Str("kind", n.Kind.String()).Msg("event stream backpressure, dropping")
		}
	})
	defer sub.Close()

	_ = st.TrySend(snapshotFrame(m.Snapshot()))
	logger.Info().Msg("event stream opened")
	go st.writePump()
	st.readPump()
	logger.Info().Msg("event stream closed")
}
