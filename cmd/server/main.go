package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/droppoint/droppoint/cmd/server/routes"
	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/retention"
	"github.com/droppoint/droppoint/internal/storage"
	"github.com/droppoint/droppoint/internal/transfer"
	"github.com/droppoint/droppoint/internal/upload"
	"github.com/droppoint/droppoint/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting droppoint API server")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize cache
	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cache.Close()

	// Initialize blob storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	// Initialize offset store
	offsetStore, err := upload.NewFileOffsetStore(cfg.Upload.StatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize offset store")
	}

	// Initialize services
	transferService := transfer.NewService(db, blobStorage, cache,
		cfg.Retention.DefaultTransferTTL, cfg.Retention.MaxTransferTTL)
	uploadManager := upload.NewManager(offsetStore, blobStorage, transferService, cfg.Upload.MaxDeclaredSize)

	// Start the retention sweeper; it owns expired-transfer cleanup.
	sweeper := retention.NewSweeper(transferService, uploadManager, cfg.Retention.SweepInterval)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	// Setup HTTP server
	router := setupRouter(uploadManager, transferService)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

func setupRouter(uploadManager *upload.Manager, transferService *transfer.Service) *gin.Engine {
	// Set Gin mode based on log level
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "droppoint",
			"time":    time.Now().UTC(),
		})
	})

	// API routes
	api := router.Group("/api/v1")
	{
		routes.UploadRoutes(api, uploadManager)
		routes.TransferRoutes(api, transferService)
	}

	return router
}

// corsMiddleware permits cross-origin access to every protocol operation and
// exposes the offset/length headers to browser-resident clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Upload-Offset, Upload-Length, Upload-Metadata, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, HEAD, PATCH, DELETE")
		c.Header("Access-Control-Expose-Headers", "Upload-Offset, Upload-Length, Location")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
