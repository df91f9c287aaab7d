package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coah80/hoist/internal/assembler"
	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/jobs"
	"github.com/coah80/hoist/internal/metadata"
	"github.com/coah80/hoist/internal/middleware"
	"github.com/coah80/hoist/internal/routes"
	"github.com/coah80/hoist/internal/server"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/storage"
	"github.com/coah80/hoist/internal/thumbs"
	"github.com/coah80/hoist/internal/uploader"
	"github.com/coah80/hoist/internal/util"
)

func main() {
	godotenv.Load()
	config.Load()

	util.EnsureTempDirs()
	util.StartCleanupInterval()
	middleware.StartRateLimitCleanup()

	store, err := newStorageClient()
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	hub := routes.NewHub()
	registry := status.NewRegistry(hub)
	registry.StartRetentionSweep()

	up := uploader.New(store, registry)
	up.StartSessionSweep()

	asm := assembler.New(config.TempDirs["chunks"], registry)

	queue := jobs.New(registry, jobs.Options{})
	queue.Register(jobs.TypeThumbnail, jobs.ThumbnailHandler(
		thumbs.NewFFmpegExtractor(), store, registry, metadata.LogStore{},
	))
	queue.Start()

	api := &routes.API{
		Uploader:  up,
		Assembler: asm,
		Registry:  registry,
		Queue:     queue,
		Hub:       hub,
	}

	srv := server.New(api)
	server.PrintBanner()
	log.Printf("Listening on :%s (storage: %s)", config.Port, config.StorageBackend)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	queue.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped.")
}

func newStorageClient() (storage.Client, error) {
	switch config.StorageBackend {
	case "s3":
		return storage.NewS3(context.Background())
	default:
		return storage.NewB2(), nil
	}
}
