package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/frankieli/game_tables/internal/modules/table/usecase"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/logger"
)

// Handler handles HTTP requests for the table module
type Handler struct {
	uc *usecase.TableUseCase
}

// NewHandler creates a new HTTP handler
func NewHandler(uc *usecase.TableUseCase) *Handler {
	return &Handler{uc: uc}
}

// RegisterRoutes registers peer routes under /api and ops routes under /api/ops
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	tables := api.Group("/tables")
	tables.POST("/join", h.Join)
	tables.GET("/live", h.GetLiveTables)
	tables.POST("/:id/leave", h.Leave)
	tables.POST("/:id/start", h.Start)
	tables.POST("/:id/rounds", h.ApplyRound)
	tables.POST("/:id/finish", h.Finish)

	api.GET("/users/:id/reconnected", h.CheckIfReconnected)
	api.POST("/ops/tables/:id/clear", h.ClearStuckTable)
}

// DTOs
type joinRequest struct {
	UserID   string          `json:"user_id" binding:"required"`
	GameType string          `json:"game_type" binding:"required"`
	Stake    decimal.Decimal `json:"stake"`
	TableID  string          `json:"table_id"`
	MaxSeats int             `json:"max_seats"`
	Ref      string          `json:"ref"`
}

type leaveRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type roundRequest struct {
	RoundNo int                        `json:"round_no" binding:"required,min=1"`
	State   json.RawMessage            `json:"state"`
	Deltas  map[string]decimal.Decimal `json:"deltas"`
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	event := logger.Warn(c.Request.Context())
	if status >= http.StatusInternalServerError {
		event = logger.Error(c.Request.Context())
	}
	event.Err(err).Str("path", c.FullPath()).Msg("Table request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

// Join handles POST /api/tables/join
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.uc.Join(c.Request.Context(), usecase.JoinRequest{
		UserID:   req.UserID,
		GameType: req.GameType,
		Stake:    req.Stake,
		TableID:  req.TableID,
		MaxSeats: req.MaxSeats,
		Ref:      req.Ref,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Leave handles POST /api/tables/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.uc.Leave(c.Request.Context(), req.UserID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Start handles POST /api/tables/:id/start
func (h *Handler) Start(c *gin.Context) {
	if err := h.uc.StartTable(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ApplyRound handles POST /api/tables/:id/rounds
func (h *Handler) ApplyRound(c *gin.Context) {
	var req roundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.uc.ApplyRound(c.Request.Context(), c.Param("id"), usecase.RoundUpdate{
		RoundNo: req.RoundNo,
		State:   req.State,
		Deltas:  req.Deltas,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Finish handles POST /api/tables/:id/finish
func (h *Handler) Finish(c *gin.Context) {
	if err := h.uc.FinishTable(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// GetLiveTables handles GET /api/tables/live?game_type=&page=&page_size=
func (h *Handler) GetLiveTables(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	res, err := h.uc.GetLiveTables(c.Request.Context(), usecase.LiveFilter{
		GameType: c.Query("game_type"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CheckIfReconnected handles GET /api/users/:id/reconnected
func (h *Handler) CheckIfReconnected(c *gin.Context) {
	ok, err := h.uc.CheckIfReconnected(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconnected": ok})
}

// ClearStuckTable handles POST /api/ops/tables/:id/clear
func (h *Handler) ClearStuckTable(c *gin.Context) {
	if err := h.uc.ClearStuckTable(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
