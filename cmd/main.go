package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"giveaway/internal/auth"
	"giveaway/internal/config"
	"giveaway/internal/handlers"
	"giveaway/internal/metrics"
	"giveaway/internal/notify"
	"giveaway/internal/services"
	"giveaway/internal/storage"
	"giveaway/internal/storage/gormstore"
	"giveaway/internal/storage/memory"
	"giveaway/internal/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

func main() {
	cfg := config.Load()
	defer logger.Init("giveaway", cfg.Verbose, false, logOutput(cfg.Verbose)).Close()

	// 1. Open the configured store
	store, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.Store, err)
	}
	defer store.Close()

	// 2. Seed games from the catalog. Persistent stores keep the stock they already hold.
	catalog, found, err := loadCatalog(cfg.CatalogPath)
	switch {
	case err != nil:
		logger.Fatalf("Failed to load catalog: %v", err)
	case !found:
		logger.Warningf("No catalog at %s, serving stored games only", cfg.CatalogPath)
	default:
		if err := catalog.Seed(context.Background(), store, cfg.Store != config.StoreMemory); err != nil {
			logger.Fatalf("Failed to seed catalog: %v", err)
		}
	}

	// 3. Initialize the draw service
	recorder := metrics.NewRecorder()
	opts := []services.Option{
		services.WithRandom(services.NewCryptoRandom()),
		services.WithLockTimeout(cfg.LockTimeout),
		services.WithRecorder(recorder),
		services.WithCooldownPolicy(func(gameID int64) time.Duration {
			return catalog.CooldownFor(gameID, cfg.DefaultCooldown)
		}),
	}
	if cfg.RedisAddr != "" {
		client, err := notify.Connect(context.Background(), cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()
		opts = append(opts, services.WithPublisher(notify.NewRedisPublisher(client, cfg.WinTTL)))
		logger.Infof("Publishing wins to redis at %s", cfg.RedisAddr)
	}
	drawService := services.NewDrawService(store, store, store, auth.NewRoleGate(), opts...)

	// 4. Set up the Gin router
	r := gin.Default()
	r.Use(handlers.ThrottleMiddleware(cfg.RequestsPerSecond))
	handlers.NewHTTPHandler(drawService, recorder.Handler()).RegisterRoutes(r)

	// 5. Run the server until interrupted
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}
	go func() {
		logger.Infof("Server starting on %s (%s store)", cfg.Addr, cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to run server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown: %v", err)
	}
}

// logOutput is where logs go besides the console. Verbose mode already
// echoes every entry to stdout and stderr.
func logOutput(verbose bool) io.Writer {
	if verbose {
		return io.Discard
	}
	return os.Stderr
}

// loadCatalog reports found=false only when the catalog file itself is
// absent. Any other failure, including a missing prizes CSV, is an error.
func loadCatalog(path string) (config.Catalog, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.Catalog{}, false, nil
	} else if err != nil {
		return config.Catalog{}, false, fmt.Errorf("stat catalog: %w", err)
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return config.Catalog{}, true, err
	}
	return catalog, true, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.StorePostgres:
		dsn := gormstore.DSN(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB)
		return gormstore.Open(dsn, cfg.LockTimeout)
	default:
		return nil, errors.New("unknown store " + cfg.Store)
	}
}
