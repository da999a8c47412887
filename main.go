package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaychat/api"
	"relaychat/global"
	"relaychat/logger"
	"relaychat/module/chat/batch"
	"relaychat/module/chat/store"
	"relaychat/service/bridge"
	chat "relaychat/service/chat"
	"relaychat/service/mgo"
	"relaychat/service/natsx"
	"relaychat/service/notify"
	"relaychat/service/storage"
	redisx "relaychat/service/storage/redis"
	"relaychat/service/user"
	"relaychat/tools/ids"
	"relaychat/tools/security"

	"go.uber.org/zap"
)

const bridgeSubject = "relaychat.broadcast"

func main() {
	global.Load()
	cfg := global.Config

	ids.SetNodeID(cfg.SnowNode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := redisx.InitRedis(redisx.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		logger.Log.Fatal("redis init failed", zap.Error(err))
	}
	if err := mgo.Init(ctx, mgo.Config{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDB,
	}); err != nil {
		logger.Log.Fatal("mongo init failed", zap.Error(err))
	}

	st := store.NewMongoStore(mgo.DB(), cfg.MaxContentRunes)
	if err := st.EnsureIndexes(ctx); err != nil {
		logger.Log.Fatal("index build failed", zap.Error(err))
	}
	users := user.NewUsers(mgo.DB())
	if err := users.EnsureIndexes(ctx); err != nil {
		logger.Log.Fatal("user index build failed", zap.Error(err))
	}

	nc, err := natsx.NewClient(natsx.Config{
		Servers: cfg.NatsServers,
		Name:    cfg.NodeID,
	})
	if err != nil {
		logger.Log.Fatal("nats connect failed", zap.Error(err))
	}
	br := bridge.New(cfg.NodeID, bridgeSubject, nc)
	if err := br.Start(); err != nil {
		logger.Log.Fatal("bridge start failed", zap.Error(err))
	}

	presence := storage.NewPresence(redisx.GetRedis(), st, br, storage.PresenceConfig{})

	var sender notify.Sender = notify.Nop{}
	if cfg.KafkaEnabled {
		n, err := notify.NewNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Log.Fatal("kafka producer init failed", zap.Error(err))
		}
		defer func() { _ = n.Close() }()
		sender = n
	}

	var buf *batch.Buffer
	if cfg.BatchingEnabled {
		buf = batch.NewBuffer(st, batch.Config{
			FlushEvery:   cfg.BatchFlushEvery,
			MaxBatch:     cfg.BatchMaxSize,
			MaxRetries:   cfg.BatchMaxRetries,
			StoreTimeout: cfg.StoreTimeout,
		})
	}

	resolver := user.NewJWTResolver(security.DefaultOptions(global.GetJwtSecret()))
	gateway := chat.NewServer(st, br, presence, resolver, users, sender, buf, chat.Options{
		AuthTimeout:     cfg.AuthTimeout,
		StoreTimeout:    cfg.StoreTimeout,
		BatchingEnabled: cfg.BatchingEnabled,
	})

	router := api.NewRouter(api.Deps{
		Store:    st,
		Users:    users,
		Resolver: resolver,
		JWT:      security.DefaultOptions(global.GetJwtSecret()),
		HandleWS: gateway.HandleWS,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("node", cfg.NodeID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	gateway.Shutdown()
	if err := br.Close(); err != nil {
		logger.Warn("bridge close", zap.Error(err))
	}
	_ = nc.Close()
	_ = mgo.Close(shutdownCtx)
	_ = redisx.CloseRedis()
	logger.Info("bye")
}
