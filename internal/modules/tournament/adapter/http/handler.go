package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/internal/modules/tournament/usecase"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/logger"
)

// Handler handles HTTP requests for the tournament module
type Handler struct {
	uc *usecase.TournamentUseCase
}

// NewHandler creates a new HTTP handler
func NewHandler(uc *usecase.TournamentUseCase) *Handler {
	return &Handler{uc: uc}
}

// RegisterRoutes registers tournament routes under /api/tournaments
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	tournaments := api.Group("/tournaments")
	tournaments.POST("", h.Create)
	tournaments.GET("/:id", h.Get)
	tournaments.POST("/:id/join", h.Join)
	tournaments.POST("/:id/results", h.RecordResult)
	tournaments.POST("/:id/schedule", h.ScheduleEnd)
	tournaments.POST("/:id/refund", h.RefundJoinFees)
}

type createRequest struct {
	GameType   string             `json:"game_type" binding:"required"`
	JoinFee    decimal.Decimal    `json:"join_fee"`
	MaxEntries int                `json:"max_entries"`
	MinEntries int                `json:"min_entries"`
	EndTime    time.Time          `json:"end_time" binding:"required"`
	PrizeTiers []domain.PrizeTier `json:"prize_tiers"`
}

type joinRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type resultRequest struct {
	EntryNo  int   `json:"entry_no" binding:"required,min=1"`
	Score    int64 `json:"score"`
	Finished bool  `json:"finished"`
}

type scheduleRequest struct {
	EndTime time.Time `json:"end_time" binding:"required"`
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	event := logger.Warn(c.Request.Context())
	if status >= http.StatusInternalServerError {
		event = logger.Error(c.Request.Context())
	}
	event.Err(err).Str("path", c.FullPath()).Msg("Tournament request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

// Create handles POST /api/tournaments
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.uc.Create(c.Request.Context(), usecase.CreateRequest{
		GameType:   req.GameType,
		JoinFee:    req.JoinFee,
		MaxEntries: req.MaxEntries,
		MinEntries: req.MinEntries,
		EndTime:    req.EndTime,
		PrizeTiers: req.PrizeTiers,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Get handles GET /api/tournaments/:id
func (h *Handler) Get(c *gin.Context) {
	t, entries, err := h.uc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tournament": t, "entries": entries})
}

// Join handles POST /api/tournaments/:id/join
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.uc.Join(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RecordResult handles POST /api/tournaments/:id/results
func (h *Handler) RecordResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.uc.RecordResult(c.Request.Context(), c.Param("id"), req.EntryNo, req.Score, req.Finished); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ScheduleEnd handles POST /api/tournaments/:id/schedule
func (h *Handler) ScheduleEnd(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.uc.ScheduleEnd(c.Request.Context(), c.Param("id"), req.EndTime); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RefundJoinFees handles POST /api/tournaments/:id/refund
func (h *Handler) RefundJoinFees(c *gin.Context) {
	if err := h.uc.RefundJoinFees(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}
