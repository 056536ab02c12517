// main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"easypaybackend/internal/checkout"
	"easypaybackend/internal/config"
	"easypaybackend/internal/extract"
	"easypaybackend/internal/flow"
	"easypaybackend/internal/ledger"
	"easypaybackend/internal/logger"
	"easypaybackend/internal/middleware"
	"easypaybackend/internal/notify"
	"easypaybackend/internal/portal"
	"easypaybackend/internal/reconcile"
)

type App struct {
	addr          string
	mux           *http.ServeMux
	connections   sync.WaitGroup
	totalRequests int64
}

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err == nil {
		time.Local = loc // This affects the standard log package
	}
}

func main() {
	// Step 1: Setup configuration first
	config.LoadEnv()
	config.ConfigurePaths()

	// Step 2: Setup logging
	loggerConfig := config.LoggerConfig()
	if err := logger.SetupLogger(loggerConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Only NOW is logging safe to use!
	logger.LogInfo("Environment and paths loaded. Logger ready.")

	// Step 3: Load external service credentials
	if err := config.LoadStripeConfig(); err != nil {
		logger.LogFatal("Failed to load Stripe config: %v", err)
	}
	config.LoadTelegramConfig()
	config.LoadOpenAIConfig()
	config.LogCurrentEnvironment()

	// Step 4: Open the request ledger
	if err := os.MkdirAll(filepath.Dir(config.DatabasePath()), 0o755); err != nil {
		logger.LogFatal("Failed to create data directory: %v", err)
	}
	if err := ledger.InitDB(config.DatabasePath()); err != nil {
		logger.LogFatal("Failed to initialize database: %v", err)
	}
	if err := ledger.CreateTables(); err != nil {
		logger.LogFatal("Failed to create tables: %v", err)
	}

	// Step 5: Wire services
	bridge := checkout.New(config.StripeSecretKey(), config.BaseURL())

	var notifier notify.Notifier = notify.LogNotifier{}
	if config.TelegramBotToken != "" {
		notifier = notify.NewTelegramNotifier(config.TelegramBotToken, config.TelegramAdminChat)
	}

	reconciler := reconcile.New(bridge, notifier)

	service := &flow.Service{
		Portal:   portal.NewDriver(config.PortalHomeURL(), config.LookupTimeout()),
		Checkout: bridge,
	}

	extractHandler := &extract.Handler{}
	if config.OpenAIAPIKey != "" {
		extractHandler.Vision = extract.NewVisionClient(config.OpenAIAPIKey)
	}

	// Step 6: Start background tasks
	go reconciler.RecoverPendingPayments(context.Background())
	reconcile.StartStaleRequestCleanup(context.Background(), 10*time.Minute, 30*time.Minute)

	// Step 7: Run server
	app := &App{
		addr: serverAddress(),
		mux:  routes(service, reconciler, extractHandler),
	}
	app.Run()
}

// serverAddress builds the server address from environment variables
func serverAddress() string {
	host := os.Getenv("SERVER_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "5051"
	}
	return host + ":" + port
}

// routes sets up all API routes
func routes(service *flow.Service, reconciler *reconcile.Reconciler, extractHandler *extract.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", flow.HealthHandler)

	mux.HandleFunc("/api/lookup", middleware.APIMiddleware(service.LookupHandler))
	mux.HandleFunc("/api/checkout", middleware.APIMiddleware(service.CheckoutHandler))
	mux.HandleFunc("/api/history", middleware.APIMiddleware(service.HistoryHandler))
	mux.HandleFunc("/api/extract", middleware.APIMiddleware(extractHandler.ServeHTTP))

	mux.HandleFunc("/stripe/webhook", middleware.WebhookMiddleware(reconciler.WebhookHandler))
	mux.HandleFunc("/stripe/success", middleware.WebhookMiddleware(reconciler.SuccessHandler))
	mux.HandleFunc("/stripe/cancel", middleware.WebhookMiddleware(reconciler.CancelHandler))

	return mux
}

// Run starts the HTTP server
func (a *App) Run() {
	server := &http.Server{
		Addr:    a.addr,
		Handler: a.Handler(),
		// A lookup holds the connection while a browser walks the portal, so
		// the write timeout must exceed the acquisition budget.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.LookupTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for shutdown signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start server in a separate goroutine
	go func() {
		logger.LogInfo("Starting server on %s", a.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogFatal("Server failed: %v", err)
		}
	}()

	// Wait for a shutdown signal
	<-stop
	logger.LogInfo("Shutdown signal received")

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown the server gracefully
	if err := server.Shutdown(ctx); err != nil {
		logger.LogError("Server shutdown error: %v", err)
	} else {
		logger.LogInfo("Server shut down gracefully")
	}

	// Wait for active connections to finish
	logger.LogInfo("Waiting for active connections to finish...")
	a.connections.Wait()

	if err := ledger.CloseDB(); err != nil {
		logger.LogError("Database close error: %v", err)
	}

	logger.LogInfo("All connections closed. Total requests handled: %d", atomic.LoadInt64(&a.totalRequests))
}

// Handler assembles the outer middleware around the main mux
func (a *App) Handler() http.Handler {
	var handler http.Handler = a.mux
	handler = a.trackConnections(handler)
	return handler
}

// Middleware: track active connections and total requests
func (a *App) trackConnections(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.connections.Add(1)
		atomic.AddInt64(&a.totalRequests, 1)
		defer a.connections.Done()

		h.ServeHTTP(w, r)
	})
}
