package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"room-sync-service/internal/MinIO"
	"room-sync-service/internal/clock"
	"room-sync-service/internal/config"
	"room-sync-service/internal/handler"
	"room-sync-service/internal/hub"
	"room-sync-service/internal/metrics"
	"room-sync-service/internal/relay"
	"room-sync-service/internal/repository/BlackListRepo"
	"room-sync-service/internal/repository/documentRepo"
	"room-sync-service/internal/repository/roomRepo"
	"room-sync-service/internal/service/gateway"
	"room-sync-service/internal/service/permission"
	"room-sync-service/internal/service/persistence"
	"room-sync-service/pkg/database/postgres"
	"room-sync-service/pkg/database/redis"
	"room-sync-service/pkg/logger"
	"room-sync-service/pkg/middleware"
)

func main() {
	ctx := context.Background()

	ctx, err := logger.New(ctx)
	if err != nil {
		panic(err)
	}
	log := logger.GetLogger(ctx)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	pool, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rooms := roomRepo.New(pool)
	if err := rooms.Migrate(ctx); err != nil {
		log.Fatal("Failed to migrate rooms table", zap.Error(err))
	}

	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("cannot connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	var archive persistence.Archiver
	if cfg.MinIO.Enabled {
		minIO, err := MinIO.New(ctx, cfg.MinIO)
		if err != nil {
			log.Fatal("Failed to connect to MinIO", zap.Error(err))
		}
		archive = minIO
	}

	perms := permission.New(rooms, BlackListRepo.NewBlackListRepo(redisClient), cfg.JWTSecret)
	persist := persistence.New(rooms, archive)
	roomHub := hub.New(ctx, perms, persist, clock.Real(), hub.Config{
		SaveInterval: cfg.Sync.SaveInterval,
		StoreTimeout: cfg.Sync.StoreTimeout,
		OutboxSize:   cfg.Sync.OutboxSize,
	})
	docs := gateway.New(perms, roomHub, documentRepo.New(redisClient), cfg.JWTSecret, cfg.Sync.TicketTTL)
	roomHub.SetDocuments(docs)

	if cfg.RelayEnabled {
		instance := cfg.InstanceID
		if instance == "" {
			instance = uuid.NewString()
		}
		rel := relay.New(redisClient, instance)
		if err := rel.Start(ctx, roomHub); err != nil {
			log.Fatal("Failed to start relay", zap.Error(err))
		}
		defer rel.Close()
		roomHub.SetPublisher(rel)
		log.Info("relay started", zap.String("instance", instance))
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(middleware.AuthInterceptor(log)),
		grpc.StreamInterceptor(middleware.StreamAuthInterceptor(log)),
	)
	handler.Register(grpcServer, handler.New(roomHub, persist, perms, docs))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		log.Info("server started", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("failed to serve", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Closing the hub ends every Connect stream, so GracefulStop does not
	// wait on long-lived sessions.
	if err := roomHub.Close(shutdownCtx); err != nil {
		log.Warn("rooms did not flush before shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
