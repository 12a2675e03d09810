package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/frankieli/game_tables/internal/modules/gateway/domain"
	"github.com/frankieli/game_tables/internal/modules/gateway/usecase"
	"github.com/frankieli/game_tables/internal/modules/gateway/ws"
	"github.com/frankieli/game_tables/pkg/logger"
)

// Handler handles HTTP/WebSocket requests
type Handler struct {
	useCase *usecase.GatewayUseCase
	manager *ws.Manager
}

// NewHandler creates a new HTTP handler
func NewHandler(useCase *usecase.GatewayUseCase, manager *ws.Manager) *Handler {
	return &Handler{
		useCase: useCase,
		manager: manager,
	}
}

// RegisterRoutes mounts GET /ws
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.HandleWebSocket)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket handles GET /ws?user_id=
func (h *Handler) HandleWebSocket(c *gin.Context) {
	ctx := logger.WebSocketContext(c.Request)
	requestID := logger.GetRequestID(ctx)

	userID := c.Query("user_id")
	if userID == "" {
		logger.Warn(ctx).Str("remote_addr", c.Request.RemoteAddr).Msg("WebSocket request without user_id")
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	ctx = logger.WithFields(ctx, map[string]interface{}{"user_id": userID})

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error(ctx).Err(err).Msg("WebSocket upgrade failed")
		return
	}
	logger.Info(ctx).Str("remote_addr", c.Request.RemoteAddr).Msg("WebSocket connected")

	client := h.manager.Register(ctx, conn, userID)

	go client.WritePump()
	go client.ReadPump(func(userID string, message []byte) {
		msgCtx := logger.WithRequestID(context.Background(), logger.GenerateRequestID())
		msgCtx = logger.WithFields(msgCtx, map[string]interface{}{
			"user_id":       userID,
			"ws_request_id": requestID,
		})

		response, err := h.useCase.HandleMessage(msgCtx, userID, message)
		if err != nil {
			logger.Warn(msgCtx).Err(err).Msg("Failed to handle websocket message")
			if jsonResp, mErr := json.Marshal(domain.Envelope{
				Command: domain.CommandError,
				Data:    gin.H{"error": err.Error()},
			}); mErr == nil {
				h.manager.SendToUser(userID, jsonResp)
			}
			return
		}
		if response != nil {
			h.manager.SendToUser(userID, response)
		}
	})
}
