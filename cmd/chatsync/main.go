package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whatsapp-automation/chatsync/internal/api"
	"github.com/whatsapp-automation/chatsync/internal/config"
	"github.com/whatsapp-automation/chatsync/internal/crm"
	"github.com/whatsapp-automation/chatsync/internal/gateway"
	"github.com/whatsapp-automation/chatsync/internal/realtime"
)

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	log.Info().
		Str("port", cfg.Port).
		Str("gateway", cfg.GatewayBaseURL).
		Str("data_dir", cfg.DataDir).
		Str("proxy", cfg.Proxy.String()).
		Dur("wake_delay", cfg.Wake.Delay).
		Int("wake_max_attempts", cfg.Wake.MaxAttempts).
		Msg("chatsync starting")

	client, err := gateway.New(gateway.Options{
		Timeout:       cfg.GatewayTimeout,
		RatePerSecond: cfg.GatewayRateLimit,
		Burst:         int(cfg.GatewayRateLimit),
		ProxyURL:      cfg.Proxy.GetURL(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gateway client")
	}

	transport, err := realtime.NewWebsocketTransport(cfg.Proxy.GetURL())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create realtime transport")
	}

	service := crm.NewService(crm.Options{
		Gateway: client,
		Realtime: realtime.NewManager(realtime.Options{
			Transport: transport,
			Waker:     client,
			Wake:      cfg.Wake,
			Reconnect: cfg.Reconnect,
		}),
		StatusTable: cfg.StatusTable,
		BaseURL:     cfg.GatewayBaseURL,
		DataDir:     cfg.DataDir,
		QRDir:       cfg.QRDir,
		PageSize:    cfg.HistoryPageSize,
	})

	router := mux.NewRouter()
	router.Use(loggingMiddleware)
	api.NewServer(service, cfg.Proxy).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	service.Shutdown()
}
