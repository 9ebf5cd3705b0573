package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"duel-escrow/internal/accountability"
	"duel-escrow/internal/auth"
	"duel-escrow/internal/blockchain"
	"duel-escrow/internal/config"
	"duel-escrow/internal/handlers"
	"duel-escrow/internal/services"
	"duel-escrow/internal/stealth"
	"duel-escrow/internal/store"
	"duel-escrow/internal/zkpool"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// In-memory duel store with background reaper
	duelStore := store.New()
	defer duelStore.Close()

	// Stealth identity service
	stealthService := stealth.NewService(cfg.Wallets.Pepper)

	// ZK transfer backend client
	transferClient, err := zkpool.NewClient(
		cfg.Network.ZKBackendURL,
		cfg.Wallets.EscrowSecret,
		cfg.Wallets.TreasurySecret,
		zkpool.NewLocalProver(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize transfer client: %v", err)
	}
	log.Printf("Escrow wallet: %s", stealth.Mask(transferClient.EscrowWallet()))
	log.Printf("Treasury wallet: %s", stealth.Mask(transferClient.TreasuryWallet()))

	// Ledger anchor client for settlement commitments
	anchorClient, err := blockchain.NewAnchorClient(
		cfg.Network.RPCURL,
		cfg.Network.Network,
		cfg.Wallets.ServerAuthoritySecret,
	)
	if err != nil {
		log.Fatalf("Failed to initialize anchor client: %v", err)
	}

	// Accountability: commit-then-settle audit trail
	auditService := accountability.NewService(anchorClient)

	// Escrow engine
	escrowService := services.NewEscrowService(
		duelStore,
		stealthService,
		transferClient,
		auditService,
		cfg.Escrow,
	)

	// Handlers
	duelHandler := handlers.NewDuelHandler(escrowService, auditService)
	healthHandler := handlers.NewHealthHandler(duelStore, cfg.Network.Network)

	// Set up Gin router
	router := gin.Default()

	// CORS for browser testing in development
	allowedOrigins := []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
	if cfg.Server.FrontendURL != "" {
		allowedOrigins = append(allowedOrigins, cfg.Server.FrontendURL)
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", auth.InternalSecretHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health endpoints (public)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/health/live", healthHandler.Live)

	rateLimiter := auth.NewRateLimiter(100, time.Minute)

	// Internal duel API
	api := router.Group("/api/v1/duel")
	api.Use(auth.RateLimitMiddleware(rateLimiter))
	api.Use(auth.InternalAuthMiddleware(cfg.Server.InternalKey))
	registerDuelRoutes(api, duelHandler)

	// Development only: the same surface without the secret, for browser
	// testing.
	if cfg.Server.Environment == "development" {
		dev := router.Group("/dev/duel")
		dev.Use(auth.RateLimitMiddleware(rateLimiter))
		registerDuelRoutes(dev, duelHandler)
		log.Println("Development duel routes mounted at /dev/duel")
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Duel escrow server starting on port %s (%s)", cfg.Server.Port, cfg.Network.Network)
		log.Printf("Health check: http://localhost:%s/health", cfg.Server.Port)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with 5 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func registerDuelRoutes(group *gin.RouterGroup, h *handlers.DuelHandler) {
	group.POST("/create", h.CreateDuel)
	group.POST("/lock-stake", h.LockStake)
	group.POST("/settle", h.Settle)
	group.POST("/refund", h.Refund)
	group.GET("/recovery/status", h.RecoveryStatus)
	group.POST("/recovery/emergency-refund", h.EmergencyRefund)
	group.GET("/dust-status", h.DustStatus)
	group.POST("/sweep-dust", h.SweepDust)
	group.GET("/verify/:duelId", h.VerifyCommitment)
	group.GET("/:duelId", h.GetDuel)
}
