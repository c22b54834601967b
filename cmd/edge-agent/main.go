package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/cache"
	"github.com/chainsyncstore/chainsync-edge/internal/config"
	"github.com/chainsyncstore/chainsync-edge/internal/drainer"
	"github.com/chainsyncstore/chainsync-edge/internal/engine"
	"github.com/chainsyncstore/chainsync-edge/internal/httpapi"
	"github.com/chainsyncstore/chainsync-edge/internal/remote"
	"github.com/chainsyncstore/chainsync-edge/internal/store"
	"github.com/chainsyncstore/chainsync-edge/internal/store/memory"
	pgstore "github.com/chainsyncstore/chainsync-edge/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	if cfg.RemoteAPIURL == "" {
		log.Fatalf("REMOTE_API_URL must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var local store.LocalStore
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		local = pg
		closers = append(closers, pg.Close)
		log.Println("local store: postgres")
	} else {
		local = memory.NewSeeded()
		log.Println("local store: in-memory")
	}

	productCache := cache.ProductCache(cache.NewNoopProductCache())
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisProductCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			productCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("product cache: redis")
		}
	} else {
		log.Println("product cache: noop")
	}

	lookupTimeout := time.Duration(cfg.LookupTimeoutSeconds) * time.Second
	central := remote.NewHTTPClient(cfg.RemoteAPIURL, cfg.RemoteAPIToken, lookupTimeout)
	monitor := remote.NewMonitor()

	storeTaxRate, err := parseTaxRatePercent(cfg.StoreTaxRatePercent)
	if err != nil {
		log.Fatalf("invalid STORE_TAX_RATE_PERCENT: %v", err)
	}

	eng := engine.New(local, central, monitor, productCache, lookupTimeout, storeTaxRate)
	queue := drainer.New(local, central, monitor, cfg.StoreID, lookupTimeout)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, local)
	api := httpapi.New(eng, queue, monitor, auth, cfg.StoreID, cfg.AllowedOrigin)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	refresher := engine.NewRefresher(eng, cfg.StoreID,
		time.Duration(cfg.SnapshotRefreshMinutes)*time.Minute,
		time.Duration(cfg.SnapshotWindowHours)*time.Hour)
	go refresher.Run(workerCtx)

	scheduler := drainer.NewScheduler(queue, time.Duration(cfg.DrainIntervalSeconds)*time.Second)
	go scheduler.Run(workerCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("edge agent for store %s listening on %s", cfg.StoreID, cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopWorkers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("edge agent stopped")
}

// parseTaxRatePercent turns "8.5" into 0.085.
func parseTaxRatePercent(raw string) (decimal.Decimal, error) {
	percent, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if percent.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return percent.Div(decimal.NewFromInt(100)), nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential,
// or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
