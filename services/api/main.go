package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/conversation"
	"github.com/chatcore/internal/handler"
	"github.com/chatcore/internal/linkpreview"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/message"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/presence"
	"github.com/chatcore/internal/repository"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/startup"
	"github.com/chatcore/internal/storage"
	"github.com/chatcore/internal/storage/memory"
	redisstorage "github.com/chatcore/internal/storage/redis"
	"github.com/chatcore/internal/tracing"
	"github.com/chatcore/internal/ws"
	"github.com/chatcore/migrations"
)

// stores — хранилища движков: Postgres или память (-memory).
type stores struct {
	convs    storage.ConversationStore
	messages storage.MessageStore
	requests storage.JoinRequestStore
	users    storage.UserDirectory
	seed     func(ctx context.Context, u model.UserBrief) error
	close    func()
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep all state in memory (no PostgreSQL)")
	seedUsers := flag.String("seed-users", "", "comma-separated user ids to register in the user directory")
	flag.Parse()

	logger.Info("starting chat API")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName:  "chatcore-api",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplerRatio: cfg.Tracing.SamplerRatio,
	})
	if err != nil {
		logger.Errorf("tracing: %v", err)
		os.Exit(1)
	}

	if *dev && !*inMemory {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	var st *stores
	if *inMemory {
		st = memoryStores()
		logger.Info("using in-memory storage")
	} else {
		st, err = postgresStores(cfg)
		if err != nil {
			logger.Errorf("database: %v", err)
			os.Exit(1)
		}
		if *migrate {
			st.close()
			return
		}
	}
	defer st.close()

	if err := seed(st, *seedUsers); err != nil {
		logger.Errorf("seed users: %v", err)
		os.Exit(1)
	}

	var (
		mirror     presence.Mirror
		lastSeen   handler.LastSeenReader
		cache      linkpreview.Cache = linkpreview.NewMemoryCache()
		redisStore *redisstorage.Client
	)
	if cfg.Redis.URL != "" {
		redisStore, err = startup.ConnectRedis(cfg.Redis.URL, 30*time.Second)
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		p := redisStore.Presence()
		resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Reset(resetCtx); err != nil {
			logger.Errorf("reset online status: %v", err)
		}
		resetCancel()
		mirror, lastSeen = p, p
		cache = redisStore.PreviewCache(cfg.LinkPreviewCacheTTL)
		logger.Info("redis connected: presence mirror and link preview cache enabled")
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	router := room.NewRouter(conversation.MembershipOf(st.convs))
	presenceMgr := presence.NewManager(verifier, router, mirror)

	sinks := []notify.Sink{notify.LogSink{}}
	var pushH *handler.PushHandler
	if cfg.PushServiceURL != "" {
		pushSink := notify.NewPushSink(cfg.PushServiceURL)
		sinks = append(sinks, pushSink)
		pushH = handler.NewPushHandler(pushSink)
	}
	var kafkaSink *notify.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, kafkaSink)
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyTimeout, sinks...)
	enricher := linkpreview.NewEnricher(linkpreview.NewFetcher(cfg.LinkPreviewTimeout), cache, router, cfg.LinkPreviewTimeout)

	convSvc := conversation.NewService(st.convs, st.requests, st.users, st.messages, router)
	msgSvc := message.NewService(st.messages, convSvc, st.users, router, dispatcher, enricher)

	hub := ws.NewHub(router, presenceMgr, msgSvc, ws.Options{
		MaxConnections: cfg.WS.MaxConnections,
		SendBufferSize: cfg.WS.SendBufferSize,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongTimeout:    cfg.WS.PongTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		EventRate:      cfg.WS.EventRate,
		EventBurst:     cfg.WS.EventBurst,
	})
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	routes := handler.NewRouter(handler.Handlers{
		Verifier:       verifier,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Conversations:  handler.NewConversationHandler(convSvc),
		Messages:       handler.NewMessageHandler(msgSvc),
		Presence:       handler.NewPresenceHandler(presenceMgr, lastSeen),
		Config:         handler.NewConfigHandler(cfg),
		WS:             handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
		Push:           pushH,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      otelhttp.NewHandler(routes, "chatcore-api"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")

	// Порядок: сокеты, затем присутствие, затем фоновые задачи сообщений.
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	presenceMgr.Close()
	enricher.Close()
	dispatcher.Close()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Errorf("kafka writer close: %v", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Errorf("tracing shutdown: %v", err)
	}
	srvWg.Wait()
	logger.Flush(2 * time.Second)
}

func memoryStores() *stores {
	users := memory.NewUsers()
	return &stores{
		convs:    memory.NewConversations(),
		messages: memory.NewMessages(),
		requests: memory.NewJoinRequests(),
		users:    users,
		seed: func(_ context.Context, u model.UserBrief) error {
			users.Put(u)
			return nil
		},
		close: func() {},
	}
}

func postgresStores(cfg *config.Config) (*stores, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = 4

	pool, err := startup.ConnectDB(poolCfg, 60*time.Second)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("database connected, migrations applied")

	repo := repository.New(pool)
	return &stores{
		convs:    repo.Conversations,
		messages: repo.Messages,
		requests: repo.JoinRequests,
		users:    repo.Users,
		seed:     repo.Users.Upsert,
		close:    pool.Close,
	}, nil
}

func seed(st *stores, ids string) error {
	if strings.TrimSpace(ids) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range strings.Split(ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := st.seed(ctx, model.UserBrief{ID: id, Name: id}); err != nil {
			return fmt.Errorf("user %s: %w", id, err)
		}
	}
	logger.Infof("user directory seeded: %s", ids)
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chat"
		password = "chat_secret"
		database = "chat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
