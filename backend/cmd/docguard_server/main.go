package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docguard/backend/config"
	"docguard/backend/internal/cache"
	"docguard/backend/internal/collab"
	"docguard/backend/internal/health"
	"docguard/backend/internal/httpapi/handlers"
	"docguard/backend/internal/httpapi/middleware"
	"docguard/backend/internal/store"
	"docguard/backend/internal/ws"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	v := config.New()
	cfg, err := config.Load(v)
	if err != nil {
		logger.WithError(err).Fatal("init config failed")
	}
	logger.SetLevel(cfg.LogLevel())
	logger.WithFields(logrus.Fields{
		"port":     cfg.Running.Port,
		"lockMode": cfg.Lock.Mode,
		"mysql":    cfg.Mysql.DSN != "",
		"redis":    len(cfg.Redis.Addrs) > 0,
		"kafka":    len(cfg.Kafka.Brokers) > 0,
	}).Info("config loaded")

	// === 快照持久化：MySQL 为底，Redis 做读缓存；都没配置时只在内存里 ===
	var (
		writer collab.SnapshotWriter
		source collab.SnapshotSource
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect mysql")
		}
		snapshotStore := store.NewSnapshotStore(db, cfg.Snapshots.KeepPersisted)
		if err := snapshotStore.AutoMigrate(context.Background()); err != nil {
			logger.WithError(err).Fatal("failed to migrate snapshot table")
		}
		writer, source = snapshotStore, snapshotStore

		if len(cfg.Redis.Addrs) > 0 {
			rdb := redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    cfg.Redis.Addrs,
				Password: cfg.Redis.Password,
			})
			if err := rdb.Ping(context.Background()).Err(); err != nil {
				logger.WithError(err).Fatal("failed to connect redis")
			}
			defer rdb.Close()
			snapshotCache := cache.NewSnapshotCache(rdb, snapshotStore, logger)
			writer, source = snapshotCache, snapshotCache
		}
	}

	// === Kafka：快照事件异步投递，失败不影响编辑操作 ===
	var sinks []collab.SnapshotSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect kafka")
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Semaphore.Kafka),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      logger,
			},
		)
		// producer 之后注册，先于 producer 关闭
		defer dispatcher.Close()
		sinks = append(sinks, dispatcher)
	}

	guard := collab.NewBufferGuard(collab.BufferGuardOptions{
		LockMode:   cfg.LockMode(),
		StaleAfter: cfg.Lock.BufferStaleAfter,
		Logger:     logger,
	})
	coordinator := collab.NewCoordinator(guard, collab.CoordinatorOptions{
		LockMode:           cfg.LockMode(),
		StaleAfter:         cfg.Lock.CoordinatorStaleAfter,
		StuckAfter:         cfg.Coordinator.StuckAfter,
		SyncMargin:         cfg.Coordinator.SyncMargin,
		OperationRetention: cfg.Coordinator.OperationRetention,
		MaxSnapshots:       cfg.Snapshots.MaxPerDocument,
		Logger:             logger,
		Writer:             writer,
		Source:             source,
		Sinks:              sinks,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor := health.NewMonitor(coordinator, guard, health.MonitorOptions{
		Interval:   cfg.Health.Interval,
		Thresholds: cfg.Thresholds(),
		Registerer: registry,
		Logger:     logger,
	})
	coordinator.SetRecorder(monitor)
	monitor.StartMonitoring()
	defer monitor.StopMonitoring()

	// 阈值和日志级别支持热更新，其余项需要重启
	config.Watch(v, logger, func(next *config.Config) {
		monitor.SetThresholds(next.Thresholds())
		logger.SetLevel(next.LogLevel())
	})

	manager := ws.NewManager(coordinator, guard, collab.NewSemaphoreControl(cfg.Semaphore.WS), ws.ManagerOptions{
		OperationTimeout: cfg.Coordinator.OperationTimeout,
		Logger:           logger,
	})
	diagnostics := &handlers.Diagnostics{
		Buffer:      guard,
		Coordinator: coordinator,
		Monitor:     monitor,
		Gatherer:    registry,
		Logger:      logger,
	}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(cors.New(cors.Config{
			// 允许任意来源（包含 file:// 场景的 Origin: null）
			AllowOriginFunc: func(origin string) bool { return true },
			AllowMethods:    []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"Content-Length"},
			MaxAge:          12 * time.Hour,
		}))
	}

	docguard := r.Group("/docguard")
	if cfg.Auth.Secret != "" {
		auth := middleware.AuthMiddleware([]byte(cfg.Auth.Secret))
		// 会从 Authorization 或 ?token= 提取 token
		docguard.Use(auth)
		diagnostics.Protect = auth
	} else {
		logger.Warn("auth.secret empty, websocket and reset endpoints are unauthenticated")
	}
	docguard.GET("/ws", manager.WebSocketConnect)
	diagnostics.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		logger.WithField("addr", srv.Addr).Info("docguard listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
}
