package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/catalog"
	"github.com/packrush/card-engine/internal/draw"
	"github.com/packrush/card-engine/internal/fusion"
	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/market"
	"github.com/packrush/card-engine/internal/metrics"
	"github.com/packrush/card-engine/internal/spendlimit"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Card catalog ---
	// The in-memory catalog is seeded over the admin API; wrap it with a
	// Redis read-through cache if configured.
	catMem := catalog.NewMemory()
	var cat catalog.Catalog = catMem
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cat = catalog.NewCached(cat, rdb, 5*time.Minute)
		slog.Info("Redis catalog cache enabled")
	}

	// --- Spend limits ---
	maxPerDraw := decimal.NewFromInt(5000)
	maxPerWeek := decimal.NewFromInt(20000)
	limiter := spendlimit.NewLimiter(maxPerDraw, maxPerWeek)

	policy := ledger.DefaultPolicy()

	// --- WebSocket hub ---
	wsHub := market.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	mkt := market.New(st, policy, market.DefaultConfig())
	marketSvc := market.NewService(st, mkt, wsHub)
	catalogSvc := catalog.NewService(catMem, cat)
	walletSvc := wallet.NewService(wallet.New(st))
	fusionSvc := fusion.NewService(fusion.New(st, cat, policy))
	drawSvc := draw.NewService(draw.New(st, cat, limiter, policy), st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"card-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time marketplace events.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts.
		r.Post("/users", walletSvc.CreateAccount)
		r.Get("/users/{userID}", walletSvc.GetAccount)
		r.Post("/users/{userID}/deposit", walletSvc.Deposit)
		r.Put("/users/{userID}/client-seed", walletSvc.SetClientSeed)
		r.Get("/users/{userID}/cards", marketSvc.UserCards)
		r.Get("/users/{userID}/transactions", marketSvc.UserTransactions)
		r.Get("/users/{userID}/draws", drawSvc.UserDraws)

		// Listings.
		r.Get("/listings", marketSvc.ListListings)
		r.Post("/listings", marketSvc.CreateListing)
		r.Get("/listings/{listingID}", marketSvc.GetListing)
		r.Delete("/listings/{listingID}", marketSvc.WithdrawListing)
		r.Get("/listings/{listingID}/offers", marketSvc.ListOffers)
		r.Post("/listings/{listingID}/offers", marketSvc.PlaceOffer)
		r.Post("/listings/{listingID}/accept", marketSvc.AcceptHighest)
		r.Post("/listings/{listingID}/buy", marketSvc.Buy)

		// Offers.
		r.Post("/offers/{offerID}/raise", marketSvc.RaiseOffer)
		r.Delete("/offers/{offerID}", marketSvc.WithdrawOffer)
		r.Post("/offers/{offerID}/accept", marketSvc.AcceptOffer)
		r.Post("/offers/{offerID}/pay", marketSvc.PayOffer)

		// Packs and draws.
		r.Post("/packs", drawSvc.AddPack)
		r.Get("/packs/{collectionID}/{packID}", drawSvc.GetPack)
		r.Post("/packs/{collectionID}/{packID}/open", drawSvc.Open)
		r.Post("/draws/verify", drawSvc.VerifyDraw)

		// Catalog.
		r.Post("/catalog/cards", catalogSvc.AddCard)
		r.Get("/catalog/cards", catalogSvc.GetCard)

		// Fusion.
		r.Post("/recipes", fusionSvc.AddRecipe)
		r.Get("/recipes/{recipeID}", fusionSvc.GetRecipe)
		r.Get("/recipes/{recipeID}/check", fusionSvc.Check)
		r.Post("/recipes/{recipeID}/fuse", fusionSvc.Fuse)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("card-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down card-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("card-engine stopped")
}
