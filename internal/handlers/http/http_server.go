package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/useCases"
	ws "tronraffle/internal/handlers/websocket"
)

// Defaults applied when a setup request omits a field, mirroring the original
// bot's /setup defaults.
type SetupDefaults struct {
	EntryFee    decimal.Decimal
	HostSplit   int
	Duration    int
	HostAddress string // operator address when the host gives none
}

// Server exposes the raffle operations to the command front end over HTTP.
type Server struct {
	raffles     useCases.RaffleService
	draws       useCases.DrawService
	payouts     useCases.PayoutService
	broadcaster *ws.Broadcaster
	defaults    SetupDefaults
	log         *slog.Logger
	server      *http.Server
}

// NewServer creates the HTTP server with all routes configured.
func NewServer(addr string, raffles useCases.RaffleService, draws useCases.DrawService, payouts useCases.PayoutService, broadcaster *ws.Broadcaster, defaults SetupDefaults, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		raffles:     raffles,
		draws:       draws,
		payouts:     payouts,
		broadcaster: broadcaster,
		defaults:    defaults,
		log:         log,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", gin.WrapF(broadcaster.Handler()))

	api := r.Group("/api/raffles/:chatID")
	{
		api.POST("/setup", s.handleSetup)
		api.POST("/enter", s.handleEnter)
		api.GET("/status", s.handleStatus)
		api.POST("/close", s.handleClose)
		api.POST("/draw", s.handleDraw)
		api.POST("/payouts", s.handlePayouts)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

type setupRequest struct {
	EntryFee    *decimal.Decimal `json:"entry_fee"`
	HostSplit   *int             `json:"host_split"`
	Duration    *int             `json:"duration"`
	HostAddress string           `json:"host_address"`
}

func (s *Server) handleSetup(c *gin.Context) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	fee := s.defaults.EntryFee
	if req.EntryFee != nil {
		fee = *req.EntryFee
	}
	split := s.defaults.HostSplit
	if req.HostSplit != nil {
		split = *req.HostSplit
	}
	duration := s.defaults.Duration
	if req.Duration != nil {
		duration = *req.Duration
	}
	host := req.HostAddress
	if host == "" {
		host = s.defaults.HostAddress
	}

	res, err := s.raffles.Setup(c.Request.Context(), c.Param("chatID"), fee, split, duration, host)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":            res.Instance.Config,
		"replaced":          res.Replaced,
		"discarded_entries": res.DiscardedEntries,
	})
}

type enterRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	SourceAddress string `json:"source_address" binding:"required"`
}

func (s *Server) handleEnter(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id and source_address are required"})
		return
	}
	entry, err := s.raffles.Register(c.Request.Context(), c.Param("chatID"), req.ParticipantID, req.SourceAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleStatus(c *gin.Context) {
	report, err := s.raffles.Status(c.Request.Context(), c.Param("chatID"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exists":         report.Exists,
		"config":         report.Config,
		"phase":          report.Phase,
		"participants":   report.Participants,
		"confirmed":      report.Confirmed,
		"pool":           report.Pool,
		"time_remaining": int64(report.TimeRemaining.Seconds()),
	})
}

func (s *Server) handleClose(c *gin.Context) {
	if err := s.raffles.Close(c.Request.Context(), c.Param("chatID")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (s *Server) handleDraw(c *gin.Context) {
	chatID := c.Param("chatID")
	res, err := s.draws.Draw(c.Request.Context(), chatID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	// Payouts run asynchronously; the front end learns the outcome through
	// notifications, not by holding this request open.
	go func() {
		if _, err := s.payouts.Dispatch(context.Background(), chatID); err != nil {
			s.log.Error("payout dispatch failed", "chat", chatID, "err", err)
		}
	}()
	c.JSON(http.StatusOK, res)
}

// handlePayouts re-dispatches non-confirmed legs of a drawn raffle.
func (s *Server) handlePayouts(c *gin.Context) {
	chatID := c.Param("chatID")
	go func() {
		if _, err := s.payouts.Dispatch(context.Background(), chatID); err != nil {
			s.log.Error("payout re-dispatch failed", "chat", chatID, "err", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatching"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// renderError maps domain errors onto HTTP statuses with actionable messages.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, model.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNoActiveRaffle):
		c.JSON(http.StatusNotFound, gin.H{"error": "no raffle set up yet, run setup first"})
	case errors.Is(err, model.ErrRaffleClosed), errors.Is(err, model.ErrNotOpen),
		errors.Is(err, model.ErrNotClosed), errors.Is(err, model.ErrNotDrawn),
		errors.Is(err, model.ErrPayoutsPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNoEligibleEntries):
		c.JSON(http.StatusConflict, gin.H{"error": "raffle cancelled, nobody paid the entry fee"})
	default:
		s.log.Error("internal error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
