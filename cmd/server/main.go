package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/voicerelay/relay/internal/api/gate"
	"github.com/voicerelay/relay/internal/api/middleware"
	"github.com/voicerelay/relay/internal/callbackurl"
	"github.com/voicerelay/relay/internal/config"
	"github.com/voicerelay/relay/internal/gateway"
	"github.com/voicerelay/relay/internal/hmacverify"
	"github.com/voicerelay/relay/internal/idempotency"
	"github.com/voicerelay/relay/internal/pkg/logger"
	"github.com/voicerelay/relay/internal/pkg/tracing"
	"github.com/voicerelay/relay/internal/ratelimit"
	"github.com/voicerelay/relay/internal/relay"
	"github.com/voicerelay/relay/internal/session"
	"github.com/voicerelay/relay/internal/sink"
	"github.com/voicerelay/relay/internal/tool"
	"github.com/voicerelay/relay/internal/upstream"
)

func main() {
	log.Println("voicerelay starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	stdLogger := logger.StdLogger(cfg.LogFormat)

	tracingShutdown, err := tracing.Init(cfg.TracingServiceName, cfg.TracingEndpoint, cfg.TracingSamplingRate)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer tracingShutdown()

	sinkBackend, err := sink.New(cfg.SinkKind, cfg.SinkEndpoint, stdLogger)
	if err != nil {
		log.Fatalf("sink: %v", err)
	}
	defer sinkBackend.Close()

	sessionTTL := 30 * time.Minute
	sessionCache := session.New(sinkBackend, sessionTTL)
	defer sessionCache.Close()

	rateWindow := time.Duration(cfg.RateLimitWindowSec) * time.Second
	limiter := ratelimit.New(cfg.RateLimitMax, rateWindow)
	defer limiter.Close()

	idem := idempotency.New()
	defer idem.Close()

	gate2Timeout := time.Duration(cfg.Gate2TimeoutSec) * time.Second
	registries := gateway.NewRegistries(gate2Timeout)
	defer registries.Close()

	var hmac *hmacverify.Verifier
	if cfg.RequireHMAC {
		hmac = hmacverify.New(cfg.HMACSecret)
	}

	callbackValidator := callbackurl.New(cfg.CallbackAllowlist)

	upstreamManager := upstream.New(cfg.UpstreamURL, cfg.UpstreamAPIKey)

	toolExecutor := tool.New(tool.Options{
		ToolWebhookMap:         cfg.ToolWebhookMap,
		DefaultDispatchWebhook: cfg.DefaultDispatchWebhook,
		CallbackBaseURL:        cfg.CallbackBaseURL,
		Validator:              callbackValidator,
		Callbacks:              registries.Callback,
		Wait:                   registries.Wait,
		Cache:                  sessionCache,
		Sink:                   sinkBackend,
		HTTPClient:             &http.Client{Timeout: time.Duration(cfg.ToolDispatchTimeoutSec) * time.Second},
	})

	sessionRegistry := relay.NewRegistry()

	relayDeps := relay.Dependencies{
		UpstreamManager: upstreamManager,
		Tool:            toolExecutor,
		Gateways:        registries,
		Cache:           sessionCache,
		Sink:            sinkBackend,
		Logger:          stdLogger,
		Registry:        sessionRegistry,
	}

	gateHandler := gate.New(gate.Options{
		Registries:  registries,
		Idempotency: idem,
		RateLimiter: limiter,
		HMAC:        hmac,
		Sessions:    sessionRegistry,
		Sink:        sinkBackend,
		Logger:      stdLogger,
		StartedAt:   time.Now(),
	})

	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	gateRouter := router.PathPrefix("/").Subrouter()
	gateRouter.Use(middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))
	gateHandler.Register(gateRouter)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			stdLogger.Warn("ws upgrade failed", "err", err)
			return
		}
		sessionID := uuid.New().String()
		sess := relay.New(sessionID, conn, relayDeps)
		sess.Run(ctx)
	}).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	})

	router.Use(middleware.Recovery)
	router.Use(middleware.SecureHeaders)
	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog)
	router.Use(middleware.Tracing)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type", "X-N8n-Signature", "X-N8n-Timestamp"},
		AllowCredentials: true,
	})
	handler := corsHandler.Handler(router)

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second

	maxPort := cfg.Port + 99
	var listener net.Listener
	var actualPort int
	for port := cfg.Port; port <= maxPort; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			var errno *syscall.Errno
			if errors.As(err, &errno) && *errno == syscall.EADDRINUSE {
				continue
			}
			log.Fatalf("listen: %v", err)
		}
		listener = l
		actualPort = port
		break
	}
	if listener == nil {
		log.Fatalf("no port available in range %d..%d", cfg.Port, maxPort)
	}
	defer listener.Close()

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.Gate2TimeoutSec+15) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		stdLogger.Info("listening", "port", actualPort)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stdLogger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stdLogger.Warn("server forced to shutdown", "err", err)
	}
	stdLogger.Info("exited gracefully")
}
