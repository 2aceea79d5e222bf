// Command relay runs the chat relay as a standalone gateway in front of a
// chat web application. The app owns auth, session membership and message
// persistence; the relay consumes them over HTTP and keeps the realtime
// fan-out, presence and heartbeats to itself. User status lives in Redis.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duetchat/relay"
	"github.com/duetchat/relay/redisstatus"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))

	slog.SetDefault(log)

	addr := envOr("RELAY_ADDR", ":8080")

	appURL := envOr("RELAY_APP_URL", "http://localhost:3000")

	redisAddr := envOr("RELAY_REDIS_ADDR", "localhost:6379")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})

	status, err := redisstatus.New(ctx, redisClient)

	if err != nil {
		log.Error("failed to reach Redis", "addr", redisAddr, "error", err)

		os.Exit(1)
	}

	server, err := relay.NewServer(relay.Config{
		Authenticator: relay.NewHTTPAuthenticator(appURL+"/api/auth/session", 5*time.Second),
		Participants:  relay.NewHTTPParticipantResolver(appURL+"/api/sessions", 5*time.Second),
		Messages:      relay.NewHTTPMessageStore(appURL+"/api/messages", 5*time.Second),
		Status:        status,
		Logger:        log,
	})

	if err != nil {
		log.Error("failed to build relay", "error", err)

		os.Exit(1)
	}
	server.Start()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("relay listening", "addr", addr)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)

			stop()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	_ = redisClient.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLevel() slog.Level {
	switch os.Getenv("RELAY_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
