package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/domain"
)

type callHandlers struct {
	reg     *app.Registry
	events  config.EventsConfig
	limiter *StartLimiter
}

func idleSnapshot() call.Snapshot {
	return call.Snapshot{State: call.StateIdle, Transcript: []domain.TranscriptEntry{}}
}

// GET /api/call
func (h *callHandlers) snapshot(c *gin.Context) {
	m, ok := h.reg.Get(clientID(c))
	if !ok {
		c.JSON(http.StatusOK, idleSnapshot())
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

// GET /api/call/defaults
func (h *callHandlers) defaults(c *gin.Context) {
	c.JSON(http.StatusOK, domain.DefaultSessionParameters())
}

// POST /api/call/start. Fields missing from the body, or the whole body,
// keep their defaults.
func (h *callHandlers) start(c *gin.Context) {
	params := domain.DefaultSessionParameters()
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := clientID(c)
	if !h.limiter.Allow(id) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many call attempts"})
		return
	}
	m := h.reg.GetOrCreate(id)
	if err := m.StartCall(c.Request.Context(), params); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("client", string(id)).Msg("start call failed")
		c.JSON(statusOf(err), gin.H{"error": err.Error(), "state": m.State()})
		return
	}

	snap := m.Snapshot()
	s := sessions.Default(c)
	calls, _ := s.Get("calls").(int)
	s.Set("calls", calls+1)
	s.Set("room", string(snap.Room))
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.JSON(http.StatusOK, snap)
}

// POST /api/call/end
func (h *callHandlers) end(c *gin.Context) {
	m, ok := h.reg.Get(clientID(c))
	if !ok {
		c.JSON(http.StatusOK, idleSnapshot())
		return
	}
	if err := m.EndCall(c.Request.Context()); err != nil {
		// the manager is idle regardless; the error is informational
		c.JSON(http.StatusOK, gin.H{"state": m.State(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

// DELETE /api/call ends the client's call and drops its manager.
func (h *callHandlers) forget(c *gin.Context) {
	if err := h.reg.Evict(c.Request.Context(), clientID(c)); err != nil {
		c.JSON(http.StatusOK, gin.H{"state": call.StateIdle, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, idleSnapshot())
}

func statusOf(err error) int {
	var (
		credErr *call.CredentialError
		connErr *call.TransportConnectError
	)
	switch {
	case errors.Is(err, call.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.As(err, &credErr), errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
