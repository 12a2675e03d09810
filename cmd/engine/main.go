package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frankieli/game_tables/internal/config"
	gatewayHttp "github.com/frankieli/game_tables/internal/modules/gateway/adapter/http"
	gatewayUseCase "github.com/frankieli/game_tables/internal/modules/gateway/usecase"
	"github.com/frankieli/game_tables/internal/modules/gateway/ws"
	schedulerDB "github.com/frankieli/game_tables/internal/modules/scheduler/repository/db"
	schedulerUseCase "github.com/frankieli/game_tables/internal/modules/scheduler/usecase"
	settlementDB "github.com/frankieli/game_tables/internal/modules/settlement/repository/db"
	settlementUseCase "github.com/frankieli/game_tables/internal/modules/settlement/usecase"
	tableHttp "github.com/frankieli/game_tables/internal/modules/table/adapter/http"
	tableDomain "github.com/frankieli/game_tables/internal/modules/table/domain"
	tableMemory "github.com/frankieli/game_tables/internal/modules/table/repository/memory"
	tableRedis "github.com/frankieli/game_tables/internal/modules/table/repository/redis"
	tableUseCase "github.com/frankieli/game_tables/internal/modules/table/usecase"
	tournamentHttp "github.com/frankieli/game_tables/internal/modules/tournament/adapter/http"
	tournamentDB "github.com/frankieli/game_tables/internal/modules/tournament/repository/db"
	tournamentUseCase "github.com/frankieli/game_tables/internal/modules/tournament/usecase"
	walletModule "github.com/frankieli/game_tables/internal/modules/wallet"
	walletHttp "github.com/frankieli/game_tables/internal/modules/wallet/adapter/http"
	walletDomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/internal/modules/worker"
	"github.com/frankieli/game_tables/pkg/keylock"
	"github.com/frankieli/game_tables/pkg/logger"
	"github.com/frankieli/game_tables/pkg/netutil"
)

type migrator interface {
	AutoMigrate() error
}

func main() {
	pprofPort := flag.String("pprof-port", "", "Port to run pprof server on (e.g., 6060)")
	background := flag.Bool("d", false, "Run in background mode (disable console logging)")
	nodeID := flag.Int64("node", 1, "Snowflake node id of this instance")
	resetCache := flag.Bool("reset-cache", false, "Drop every cached table and session entry on startup (dev only)")
	flag.Parse()

	// 1. Load Config
	cfg := config.LoadEngineConfig()

	logger.InitWithFile(cfg.Server.LogFile, cfg.Server.LogLevel, cfg.Server.LogFormat, !*background)
	defer logger.Flush()

	if *pprofPort != "" {
		go func() {
			addr := "localhost:" + *pprofPort
			logger.InfoGlobal().Str("addr", addr).Msg("Starting pprof server")
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.ErrorGlobal().Err(err).Msg("Failed to start pprof server")
			}
		}()
	}

	fmt.Printf("Starting table engine... Logs are being written to %s (rotating)\n", cfg.Server.LogFile)
	logger.InfoGlobal().Msg("Starting table engine...")

	// 2. Initialize Infrastructure
	gormLog := logger.NewGormLogger()
	gormLog.LogLevel = gormlogger.Warn

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to get database instance")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to ping database")
	}
	logger.InfoGlobal().Msg("Database connected")

	tournamentRepo := tournamentDB.NewTournamentRepository(db)
	settlementRepo := settlementDB.NewSettlementRepository(db)
	triggerRepo := schedulerDB.NewTriggerRepository(db)
	for _, m := range []migrator{tournamentRepo, settlementRepo, triggerRepo} {
		if err := m.AutoMigrate(); err != nil {
			logger.FatalGlobal().Err(err).Msg("Failed to migrate database")
		}
	}

	var (
		store    tableDomain.TableStore
		sessions tableDomain.SessionIndex
	)
	if cfg.Engine.StoreType == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr(),
			DB:   cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.FatalGlobal().Err(err).Msg("Failed to ping redis")
		}
		s := tableRedis.NewStore(rdb, cfg.Redis.KeyPrefix)
		store, sessions = s, s
		logger.InfoGlobal().Str("addr", cfg.Redis.Addr()).Msg("Table store: Redis")
	} else {
		s := tableMemory.NewStore()
		store, sessions = s, s
		logger.InfoGlobal().Msg("Table store: Memory")
	}

	if *resetCache {
		// settling tables without a persisted plan lose their stakes' credits
		if err := store.Reset(context.Background()); err != nil {
			logger.FatalGlobal().Err(err).Msg("Failed to reset table cache")
		}
		logger.WarnGlobal().Msg("Table cache reset")
	}

	var provider walletDomain.Ledger
	if cfg.Engine.LedgerType == "http" {
		provider = walletHttp.NewClient(cfg.Wallet.BaseURL, cfg.Wallet.ServiceToken, cfg.Wallet.Timeout, int32(cfg.Engine.CurrencyPlaces))
		logger.InfoGlobal().Str("base_url", cfg.Wallet.BaseURL).Msg("Wallet: HTTP")
	} else {
		provider = walletModule.NewMockLedger(decimal.RequireFromString(cfg.Engine.MockBalance))
		logger.InfoGlobal().Msg("Wallet: Mock")
	}
	ledger := walletModule.NewRetrying(provider, walletModule.RetryPolicy{
		MaxAttempts: cfg.Wallet.RetryAttempts,
		BaseDelay:   cfg.Wallet.RetryBase,
		MaxDelay:    cfg.Wallet.RetryMax,
	})

	node, err := snowflake.NewNode(*nodeID)
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to create snowflake node")
	}
	locks := keylock.New()
	places := int32(cfg.Engine.CurrencyPlaces)

	// 3. Initialize Modules
	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	pool := worker.NewPool(worker.Config{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
		RetryBase: cfg.Engine.SettleRetryBackoff,
		RetryMax:  cfg.Wallet.RetryMax * 6,
	})
	pool.Start(rootCtx)

	wsManager := ws.NewManager(cfg.WebSocket)
	go wsManager.Run(rootCtx)
	gatewayUC := gatewayUseCase.NewGatewayUseCase(wsManager)

	settlementUC := settlementUseCase.NewSettlementUseCase(settlementRepo, tournamentRepo, store, ledger, locks, places)
	settlementUC.SetNotifier(gatewayUC)
	dispatcher := settlementUseCase.NewDispatcher(settlementUC, pool)

	schedulerUC, err := schedulerUseCase.NewSchedulerUseCase(triggerRepo, dispatcher, cfg.Engine.SweepInterval)
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to create scheduler")
	}

	tableUC := tableUseCase.NewTableUseCase(store, sessions, ledger, dispatcher, locks, node, tableUseCase.Settings{
		DefaultMaxSeats: cfg.Engine.DefaultMaxSeats,
		Places:          places,
	})
	tableUC.SetTournamentCloser(schedulerUC)

	tournamentUC := tournamentUseCase.NewTournamentUseCase(tournamentRepo, store, sessions, ledger, dispatcher, schedulerUC, locks, places)
	logger.InfoGlobal().Msg("Modules initialized")

	// 4. Recovery and periodic jobs
	if n, err := tableUC.RecoverSettling(rootCtx); err != nil {
		logger.ErrorGlobal().Err(err).Msg("Failed to recover settling tables")
	} else {
		logger.InfoGlobal().Int("tables", n).Msg("Settling tables re-dispatched")
	}
	if n, err := dispatcher.Recover(rootCtx); err != nil {
		logger.ErrorGlobal().Err(err).Msg("Failed to recover unfinished settlements")
	} else {
		logger.InfoGlobal().Int("plans", n).Msg("Unfinished settlements re-dispatched")
	}

	if err := schedulerUC.Every("online-user-count", cfg.Engine.OnlineCountEvery, gatewayUC.BroadcastOnlineUserCount); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to register online count job")
	}
	if err := schedulerUC.Every("settlement-recovery", cfg.Engine.SweepInterval, func(ctx context.Context) error {
		if _, err := tableUC.RecoverSettling(ctx); err != nil {
			return err
		}
		_, err := dispatcher.Recover(ctx)
		return err
	}); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to register recovery job")
	}
	if err := schedulerUC.Start(rootCtx); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to start scheduler")
	}

	// 5. Setup HTTP Server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": wsManager.Count(), "pending_tasks": pool.Pending()})
	})
	gatewayHttp.NewHandler(gatewayUC, wsManager).RegisterRoutes(router)

	api := router.Group("/api")
	{
		tableHttp.NewHandler(tableUC).RegisterRoutes(api)
		tournamentHttp.NewHandler(tournamentUC).RegisterRoutes(api)
	}

	lis, port, err := netutil.ListenWithFallback(cfg.Server.HTTPPort)
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to listen")
	}
	srv := &http.Server{Handler: router}

	logger.InfoGlobal().
		Int("port", port).
		Str("ws_url", fmt.Sprintf("ws://localhost:%d/ws?user_id=YOUR_ID", port)).
		Str("api_url", fmt.Sprintf("http://localhost:%d/api", port)).
		Msg("Table engine running")

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.FatalGlobal().Err(err).Msg("HTTP server failed")
		}
	}()

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.InfoGlobal().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 6.1 Stop accepting requests
	if err := srv.Shutdown(ctx); err != nil {
		logger.ErrorGlobal().Err(err).Msg("HTTP server forced to shutdown")
	}

	// 6.2 Stop triggers, then drain settlement workers; unfinished plans resume on restart
	if err := schedulerUC.Stop(); err != nil {
		logger.ErrorGlobal().Err(err).Msg("Scheduler shutdown failed")
	}
	pool.Stop()

	// 6.3 Close all WebSocket connections
	stopRoot()
	wsManager.Shutdown()

	logger.InfoGlobal().Msg("Engine exited properly")
}
