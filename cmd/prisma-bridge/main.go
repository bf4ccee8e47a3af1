// Command prisma-bridge runs the bridge service the Prisma Client Python
// engine connects to.
//
// Usage:
//
//	go build -o prisma-bridge ./cmd/prisma-bridge
//	PRISMA_BRIDGE_MODELS=User,Post ./prisma-bridge
//
// Configuration comes from PRISMA_BRIDGE_* environment variables; flags
// override the environment. The default backend keeps data in memory; pass
// -storage badger (with -data-dir) for persistence.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/majdyz/prisma-bridge/pkg/config"
	"github.com/majdyz/prisma-bridge/pkg/orm"
	"github.com/majdyz/prisma-bridge/pkg/orm/badgerstore"
	"github.com/majdyz/prisma-bridge/pkg/orm/memstore"
	"github.com/majdyz/prisma-bridge/pkg/server"
)

func main() {
	cfg := config.FromEnv()

	port := flag.Int("port", cfg.Port, "port to listen on")
	addr := flag.String("addr", cfg.Address, "address to bind")
	storage := flag.String("storage", cfg.StorageBackend, "storage backend (memory|badger)")
	dataDir := flag.String("data-dir", cfg.DataDir, "data directory for the badger backend")
	models := flag.String("models", strings.Join(cfg.Models, ","), "comma-separated model names")
	flag.Parse()

	cfg.Port = *port
	cfg.Address = *addr
	cfg.StorageBackend = *storage
	cfg.DataDir = *dataDir
	if *models != "" {
		cfg.Models = strings.Split(*models, ",")
	}

	client, cleanup, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("[Bridge] %v", err)
	}
	defer cleanup()

	srv := server.New(client, cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("[Bridge] %v", err)
	}
	log.Printf("[Bridge] storage=%s models=%s", cfg.StorageBackend, strings.Join(cfg.Models, ","))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("[Bridge] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("[Bridge] shutdown: %v", err)
		os.Exit(1)
	}
}

func openBackend(cfg *config.Config) (orm.Client, func(), error) {
	accessors := make([]string, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		accessors = append(accessors, strings.ToLower(m[:1])+m[1:])
	}

	switch cfg.StorageBackend {
	case config.StorageBadger:
		store, err := badgerstore.Open(cfg.DataDir, accessors...)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("[Bridge] close storage: %v", err)
			}
		}, nil
	case config.StorageMemory:
		return memstore.New(accessors...), func() {}, nil
	}
	log.Fatalf("[Bridge] unknown storage backend %q", cfg.StorageBackend)
	return nil, nil, nil
}
