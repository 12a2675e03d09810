// Package usecase implements the business logic for the gateway module.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/frankieli/game_tables/internal/modules/gateway/domain"
	settlementdomain "github.com/frankieli/game_tables/internal/modules/settlement/domain"
	"github.com/frankieli/game_tables/pkg/logger"
)

var _ settlementdomain.Notifier = (*GatewayUseCase)(nil)

// GatewayUseCase pushes engine events to websocket clients
type GatewayUseCase struct {
	hub domain.Hub
}

// NewGatewayUseCase creates a new gateway use case
func NewGatewayUseCase(hub domain.Hub) *GatewayUseCase {
	return &GatewayUseCase{hub: hub}
}

type countPayload struct {
	Count int `json:"count"`
}

type settledPayload struct {
	PlanID    string `json:"plan_id"`
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
	Rank      int    `json:"rank,omitempty"`
	EntryNo   int    `json:"entry_no,omitempty"`
}

// BroadcastOnlineUserCount publishes the number of connected users to everyone
func (uc *GatewayUseCase) BroadcastOnlineUserCount(ctx context.Context) error {
	count := uc.hub.Count()
	msg, err := json.Marshal(domain.Envelope{
		Command: domain.CommandOnlineUserCount,
		Data:    countPayload{Count: count},
	})
	if err != nil {
		return fmt.Errorf("marshal online count: %w", err)
	}
	uc.hub.Broadcast(msg)

	logger.Debug(ctx).Int("count", count).Msg("Online user count broadcast")
	return nil
}

// NotifySettled pushes one acked settlement operation to its user
func (uc *GatewayUseCase) NotifySettled(ctx context.Context, planID string, op settlementdomain.Op) {
	msg, err := json.Marshal(domain.Envelope{
		Command: domain.CommandSettled,
		Data: settledPayload{
			PlanID:    planID,
			Direction: string(op.Direction),
			Amount:    op.Amount.String(),
			Rank:      op.Rank,
			EntryNo:   op.EntryNo,
		},
	})
	if err != nil {
		logger.Error(ctx).Err(err).Msg("Failed to marshal settlement notification")
		return
	}
	if !uc.hub.SendToUser(op.UserID, msg) {
		logger.Debug(ctx).Str("user_id", op.UserID).Msg("User offline, settlement notification skipped")
	}
}

// HandleMessage answers a client frame
func (uc *GatewayUseCase) HandleMessage(ctx context.Context, userID string, message []byte) ([]byte, error) {
	var req domain.Envelope
	if err := json.Unmarshal(message, &req); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	switch req.Command {
	case domain.CommandPing:
		return json.Marshal(domain.Envelope{Command: domain.CommandPong})
	case domain.CommandOnlineUserCount:
		return json.Marshal(domain.Envelope{
			Command: domain.CommandOnlineUserCount,
			Data:    countPayload{Count: uc.hub.Count()},
		})
	case "":
		return nil, fmt.Errorf("missing command")
	default:
		logger.Warn(ctx).
			Str("user_id", userID).
			Str("command", req.Command).
			Msg("Unknown websocket command")
		return nil, fmt.Errorf("unknown command: %s", req.Command)
	}
}
