// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/pushgateway"
	"github.com/chatcore/internal/startup"
)

type Config struct {
	ServerAddr      string
	RedisURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDKeysFile   string
	Subscriber      string
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:      getEnv("SERVER_ADDR", ":8082"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDKeysFile:   os.Getenv("VAPID_KEYS_FILE"),
		Subscriber:      getEnv("VAPID_SUBSCRIBER", "chatcore-push"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if *genVAPID {
		keys, err := pushgateway.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", keys.PublicKey)
		logger.Infof("VAPID_PRIVATE_KEY=%s", keys.PrivateKey)
		logger.Flush(time.Second)
		return
	}

	logger.Info("starting push service")
	cfg := loadConfig()

	keys := &pushgateway.VAPIDKeys{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		var err error
		keys, err = pushgateway.EnsureVAPIDKeys(cfg.VAPIDKeysFile)
		if err != nil {
			logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи: %v — push отключены", err)
			keys = nil
		}
	}

	store, err := startup.ConnectRedis(cfg.RedisURL, 30*time.Second)
	if err != nil {
		logger.Errorf("redis: %v", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("redis connected")

	var (
		sender    pushgateway.Sender
		publicKey string
	)
	if keys != nil {
		sender = pushgateway.NewWebPushSender(keys, cfg.Subscriber)
		publicKey = keys.PublicKey
	} else {
		logger.Info("push-уведомления отключены (подписки сохраняются, отправка не выполняется)")
	}
	gw := pushgateway.NewServer(store.PushSubscriptions(), sender, publicKey)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      gw.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("push server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("push server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
	logger.Flush(2 * time.Second)
}
