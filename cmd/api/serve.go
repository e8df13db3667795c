package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"huddle/api/internal/app"
	"huddle/api/internal/attach"
	"huddle/api/internal/auth"
	"huddle/api/internal/blob"
	"huddle/api/internal/logger"
	"huddle/api/internal/presence"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and realtime API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db).WithRetryBackoff(cfg.StoreRetryBackoff)

	hub := realtime.NewHub(cfg.SubscriberBuffer)

	var backend presence.Backend
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis_unavailable", "error", err)
		} else {
			defer redisStore.Close()
			backend = redisStore
			if cfg.RealtimeRedisRelay {
				relay := realtime.NewRedisRelay(redisStore.Client(), hub)
				if err := relay.Start(ctx); err != nil {
					logger.Warn("realtime_relay_disabled", "error", err)
				} else {
					hub.SetRelay(relay)
				}
			}
		}
	}
	if backend == nil {
		logger.Info("presence_in_memory")
		backend = presence.NewMemoryStore(presence.SystemClock())
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	stopReindex, err := searchService.StartReconcile(ctx, cfg.ReindexCron)
	if err != nil {
		return err
	}
	defer stopReindex()

	deps := app.Deps{
		Store:  dataStore,
		Hub:    hub,
		Search: searchService,
	}
	blobs, err := blob.NewMinio(blob.Config{
		Endpoint:      cfg.BlobEndpoint,
		AccessKey:     cfg.BlobAccessKey,
		SecretKey:     cfg.BlobSecretKey,
		Bucket:        cfg.BlobBucket,
		UseSSL:        cfg.BlobUseSSL,
		Region:        cfg.BlobRegion,
		PublicBaseURL: cfg.BlobPublicBaseURL,
	})
	if err != nil {
		logger.Warn("blob_store_disabled", "error", err)
	} else {
		if err := blobs.EnsureBucket(ctx); err != nil {
			logger.Warn("blob_bucket_check_failed", "bucket", cfg.BlobBucket, "error", err)
		}
		deps.Attachments = attach.New(blobs, dataStore, cfg.MaxAttachmentBytes)
	}

	service := app.New(cfg, deps)
	layer := presence.New(backend, service, presence.SystemClock(), presence.Options{
		TypingWindow:  cfg.TypingWindow,
		DraftDebounce: cfg.DraftDebounce,
		DraftTTL:      cfg.DraftTTL,
	})
	service.SetPresence(layer)

	api := app.NewHTTPServer(service, auth.NewVerifier(cfg.AuthSecret), cfg.CORSOrigin)
	defer api.Close()

	// No WriteTimeout: realtime connections stay open.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api_listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("api_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}
	layer.Stop()
	return nil
}
