package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/clauselens/backend/internal/billing"
	"github.com/clauselens/backend/internal/entitlement"
	"github.com/clauselens/backend/internal/handlers"
	appmw "github.com/clauselens/backend/internal/middleware"
	"github.com/clauselens/backend/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	secretKey := os.Getenv("STRIPE_SECRET_KEY")
	if secretKey == "" {
		log.Fatal("STRIPE_SECRET_KEY environment variable is required")
	}

	appURL := envOr("APP_URL", "http://localhost:3000")
	billingCfg := billing.Config{
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Catalog: billing.Catalog{
			PriceStandard:   os.Getenv("STRIPE_PRICE_STANDARD"),
			PricePro:        os.Getenv("STRIPE_PRICE_PRO"),
			ProductStandard: os.Getenv("STRIPE_PRODUCT_STANDARD"),
			ProductPro:      os.Getenv("STRIPE_PRODUCT_PRO"),
		},
		SuccessURL:      envOr("CHECKOUT_SUCCESS_URL", appURL+"/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:       envOr("CHECKOUT_CANCEL_URL", appURL+"/billing/cancel"),
		PortalReturnURL: envOr("PORTAL_RETURN_URL", appURL+"/account/billing"),
	}
	if billingCfg.WebhookSecret == "" {
		log.Printf("[Billing] STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	billingSvc := billing.NewService(db, billing.NewStripeClient(secretKey), billingCfg)
	gate := entitlement.NewGate(db)
	h := handlers.New(db, billingSvc, gate, handlers.StubAnalyzer())

	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)

	enforcer := appmw.NewEntitlementEnforcer(gate)

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := c.Handler(enforcer.Middleware(r))

	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: expired entitlement sweep
	{
		enabled := os.Getenv("ENTITLEMENT_SWEEP_ENABLED")
		if enabled == "" || enabled == "true" {
			interval := time.Hour
			if v := os.Getenv("ENTITLEMENT_SWEEP_INTERVAL_SECONDS"); v != "" {
				if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
					interval = time.Duration(secs) * time.Second
				}
			}
			sweep := &workers.EntitlementExpiryWorker{DB: db, Interval: interval}
			go sweep.Start(rootCtx)
		} else {
			log.Printf("[EntitlementExpiryWorker] disabled via ENTITLEMENT_SWEEP_ENABLED=%q", enabled)
		}
	}

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
