package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"plotLines/backend/config"
	"plotLines/backend/internal/auth"
	"plotLines/backend/internal/cache"
	"plotLines/backend/internal/collab"
	"plotLines/backend/internal/httpapi"
	"plotLines/backend/internal/store"
	"plotLines/backend/internal/ws"
)

func openStore(ctx context.Context, cfg *config.CollabConfig) (collab.LogStore, func(), error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "mysql":
		db, err := store.InitMySQL(cfg.Store.MysqlDSN)
		if err != nil {
			return nil, nil, err
		}
		st := store.NewGormStore(db)
		if cfg.Store.AutoMigrate {
			if err := st.AutoMigrate(); err != nil {
				return nil, nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return st, closeFn, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				st.Close()
				return nil, nil, fmt.Errorf("ensure schema: %w", err)
			}
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newProducer(cfg *config.CollabConfig) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
}

func main() {
	configDir := flag.String("config", "", "directory containing collabConfig.yaml")
	issueFor := flag.Uint64("issue-token", 0, "print an access token for this user id and exit")
	issueName := flag.String("issue-name", "writer", "username embedded in the issued token")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	signer := auth.NewSigner(cfg.Auth.JWTSecret)

	if *issueFor != 0 {
		tok, exp, err := signer.SignAccessToken(*issueFor, *issueName, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		fmt.Println(tok)
		log.Printf("token for user=%d expires at %s", *issueFor, exp.Format(time.RFC3339))
		return
	}
	log.Printf("config: store=%s redis=%v kafka=%v port=%d", cfg.Store.Driver, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Running.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	g, gctx := errgroup.WithContext(ctx)

	var (
		rdb       redis.UniversalClient
		presence  cache.PresenceCache
		snapCache collab.SnapshotCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		// 单地址走单机，多地址走集群
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		snapCache = cache.NewSnapshotCache(rdb)
	}

	hub := ws.NewHub(presence, cfg.Redis.PresenceTTL)
	var broadcaster collab.Broadcaster = hub
	if rdb != nil {
		// 多实例部署时经 Redis 频道转发，每个实例再推给本机连接
		relay := cache.NewStepsRelay(rdb, hub)
		g.Go(func() error { return relay.Run(gctx) })
		broadcaster = relay
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		})
		defer dispatcher.Close()
	}

	svc := collab.NewService(st, broadcaster, snapCache, dispatcher, collab.ServiceOptions{
		SnapshotEvery:   cfg.Collab.SnapshotEvery,
		PruneOnSnapshot: cfg.Collab.PruneOnSnapshot,
	})
	if idle := cfg.Collab.IdleEvict; idle > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(idle / 2)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n := svc.EvictIdle(idle); n > 0 {
						log.Printf("evicted idle documents count=%d", n)
					}
				}
			}
		})
	}
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Collab.SubmitSlots))
	r := httpapi.NewRouter(httpapi.RouterDeps{
		Service:      svc,
		WS:           manager,
		Signer:       signer,
		AllowOrigins: cfg.Running.AllowOrigins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("collab server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server stopped: %v", err)
	}
	log.Printf("collab server exited")
}
