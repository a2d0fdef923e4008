package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/api"
	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/config"
	"github.com/Mieluoxxx/cvp-standby/internal/db"
	"github.com/Mieluoxxx/cvp-standby/internal/device"
	"github.com/Mieluoxxx/cvp-standby/internal/dispatcher"
	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/failover"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/logger"
	"github.com/Mieluoxxx/cvp-standby/internal/metrics"
	"github.com/Mieluoxxx/cvp-standby/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	// Version 项目版本
	Version = "0.3.0"
	// AppName 应用名称
	AppName = "cvp-standby"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（也可用 CVP_STANDBY_CONFIG 指定）")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("未找到 .env 文件，使用系统环境变量: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zl := logger.New(logger.Config{
		Env:         cfg.Logging.Env,
		Level:       cfg.Logging.Level,
		ServiceName: AppName,
		Version:     Version,
	})
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 数据库
	database, err := db.InitDatabase(&cfg.Database, zl)
	if err != nil {
		return err
	}
	defer func() { _ = db.CloseDatabase(database) }()

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(database); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(nil); err != nil {
			return fmt.Errorf("注册指标失败: %w", err)
		}
	}

	// 2. 注册表
	clusters := cluster.NewRegistry(cluster.NewRepository(database))
	if err := clusters.Load(); err != nil {
		return err
	}
	devices := device.NewRegistry(clusters, device.NewRepository(database))
	if err := devices.Load(); err != nil {
		return err
	}

	// 3. 事件流
	publisher, err := newPublisher(ctx, cfg.Redis, zl)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	eventService := events.NewService(database, publisher, zl)

	// 4. 协调器与健康监控
	d := dispatcher.New(devices, publisher, cfg.Failover.DispatchConcurrency, zl)
	coord := failover.New(failover.Config{
		StabilityPeriod:    cfg.Failover.StabilityPeriod,
		EvaluationInterval: cfg.Failover.EvaluationInterval,
	}, clusters, devices, d, eventService, failover.NewStateStore(database), zl)
	if err := coord.Load(); err != nil {
		return err
	}

	monitor := health.NewMonitor(health.Config{
		Window:           cfg.Health.Window,
		FailureThreshold: cfg.Health.FailureThreshold,
		SampleTTL:        cfg.Health.SampleTTL,
		ExpectedInterval: cfg.Health.ExpectedInterval,
		ClockSkew:        cfg.Health.ClockSkew,
	}, zl)
	for _, c := range clusters.ListClusters() {
		monitor.Track(c.ID)
	}
	unsubscribe := monitor.Subscribe(coord.HandleStatusChange)
	defer unsubscribe()

	go monitor.Run(ctx, cfg.Health.SweepInterval)
	go coord.Run(ctx)
	if cfg.Health.ProbeInterval > 0 {
		prober := health.NewProber(monitor, clusters, cfg.Health.ProbeTimeout, zl)
		go prober.Run(ctx, cfg.Health.ProbeInterval)
	}

	// 5. HTTP 服务
	gin.SetMode(cfg.Server.Mode)
	router := api.SetupRouter(api.Deps{
		Server:      cfg.Server,
		Metrics:     cfg.Metrics,
		Clusters:    clusters,
		Devices:     devices,
		Monitor:     monitor,
		Coordinator: coord,
		Events:      eventService,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("服务启动",
			zap.String("addr", srv.Addr),
			zap.Int("clusters", len(clusters.ListClusters())),
			zap.Int("devices", len(devices.List())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP 服务失败: %w", err)
		}
	}

	zl.Info("正在关闭服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	return nil
}

// newPublisher 根据配置选择 Redis Streams 或空实现
func newPublisher(ctx context.Context, cfg config.RedisConfig, zl *zap.Logger) (notify.Publisher, error) {
	if !cfg.Enabled {
		zl.Info("未启用 Redis，事件只写入数据库")
		return notify.NoopPublisher{}, nil
	}

	pub := notify.NewRedisPublisher(notify.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.StreamPrefix,
		MaxLen:   cfg.MaxLen,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pub.Ping(pingCtx); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("连接 Redis 失败 (%s): %w", cfg.Addr, err)
	}

	zl.Info("事件流已连接", zap.String("addr", cfg.Addr), zap.String("prefix", cfg.StreamPrefix))
	return pub, nil
}
