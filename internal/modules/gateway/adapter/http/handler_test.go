package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/game_tables/internal/config"
	"github.com/frankieli/game_tables/internal/modules/gateway/domain"
	"github.com/frankieli/game_tables/internal/modules/gateway/usecase"
	"github.com/frankieli/game_tables/internal/modules/gateway/ws"
	settlementdomain "github.com/frankieli/game_tables/internal/modules/settlement/domain"
	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
)

func setupServer(t *testing.T) (*httptest.Server, *ws.Manager, *usecase.GatewayUseCase) {
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	manager := ws.NewManager(config.WebSocketConfig{WriteWait: time.Second})
	go manager.Run(ctx)
	uc := usecase.NewGatewayUseCase(manager)

	r := gin.New()
	NewHandler(uc, manager).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, manager, uc
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

func TestOnlineUserCountBroadcast(t *testing.T) {
	srv, manager, uc := setupServer(t)

	a := dial(t, srv, "a")
	b := dial(t, srv, "b")
	require.Eventually(t, func() bool { return manager.Count() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, uc.BroadcastOnlineUserCount(context.Background()))

	for _, conn := range []*websocket.Conn{a, b} {
		got := readEnvelope(t, conn)
		assert.Equal(t, domain.CommandOnlineUserCount, got["command"])
		assert.Equal(t, float64(2), got["data"].(map[string]interface{})["count"])
	}
}

func TestSettlementNotificationReachesUser(t *testing.T) {
	srv, manager, uc := setupServer(t)

	a := dial(t, srv, "a")
	require.Eventually(t, func() bool { return manager.Count() == 1 }, time.Second, 10*time.Millisecond)

	uc.NotifySettled(context.Background(), "tournament:T1", settlementdomain.Op{
		UserID:    "a",
		Direction: walletdomain.DirectionCredit,
		Amount:    decimal.RequireFromString("500.00"),
		Rank:      1,
		EntryNo:   3,
	})
	// offline users are skipped
	uc.NotifySettled(context.Background(), "tournament:T1", settlementdomain.Op{UserID: "ghost"})

	got := readEnvelope(t, a)
	assert.Equal(t, domain.CommandSettled, got["command"])
	data := got["data"].(map[string]interface{})
	assert.Equal(t, "tournament:T1", data["plan_id"])
	assert.Equal(t, "500", data["amount"])
}

func TestPingAndUnknownCommand(t *testing.T) {
	srv, _, _ := setupServer(t)
	a := dial(t, srv, "a")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"command":"ping"}`)))
	assert.Equal(t, domain.CommandPong, readEnvelope(t, a)["command"])

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"command":"bet"}`)))
	assert.Equal(t, domain.CommandError, readEnvelope(t, a)["command"])
}

func TestReconnectReplacesConnection(t *testing.T) {
	srv, manager, _ := setupServer(t)

	first := dial(t, srv, "a")
	require.Eventually(t, func() bool { return manager.Count() == 1 }, time.Second, 10*time.Millisecond)
	_ = dial(t, srv, "a")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the replaced connection is closed")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, manager.Count())
	assert.True(t, manager.SendToUser("a", []byte(`{}`)))
}

func TestMissingUserIDIs400(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
