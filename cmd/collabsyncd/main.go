// Command collabsyncd serves the collaborative sync subsystem: SSE push
// streams per document and per collection, plus the delta ingest
// endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RichardCYang/DWRNote/config"
	"github.com/RichardCYang/DWRNote/docsessions"
	"github.com/RichardCYang/DWRNote/docstore/automergedoc"
	"github.com/RichardCYang/DWRNote/internal/logctx"
	"github.com/RichardCYang/DWRNote/internal/sessionauth"
	"github.com/RichardCYang/DWRNote/metadata"
	"github.com/RichardCYang/DWRNote/metadata/memorychannel"
	"github.com/RichardCYang/DWRNote/metadata/redischannel"
	"github.com/RichardCYang/DWRNote/pagestore"
	"github.com/RichardCYang/DWRNote/pagestore/fspages"
	"github.com/RichardCYang/DWRNote/pagestore/memorypages"
	"github.com/RichardCYang/DWRNote/streaminghttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// allowAllPerms grants every authenticated user full access. Real
// deployments sit behind the note service's own authorization layer;
// the standalone binary has no page ownership data to consult.
type allowAllPerms struct{}

func (allowAllPerms) CanReadPage(ctx context.Context, userID, pageID string) (bool, error) {
	return true, nil
}
func (allowAllPerms) CanEditPage(ctx context.Context, userID, pageID string) (bool, error) {
	return true, nil
}
func (allowAllPerms) CanReadCollection(ctx context.Context, userID, collectionID string) (bool, error) {
	return true, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var meta metadata.Channel
	if cfg.RedisAddr != "" {
		rc := redischannel.New(redischannel.Config{
			Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}),
		})
		defer rc.Close()
		meta = rc
		log.Info("meta.channel", slog.String("kind", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		meta = memorychannel.New()
		log.Info("meta.channel", slog.String("kind", "memory"))
	}

	var pages pagestore.Store
	if cfg.PagesDir != "" {
		fs, err := fspages.New(cfg.PagesDir,
			fspages.WithLogger(log),
			fspages.WithMetadataChannel(meta),
		)
		if err != nil {
			return fmt.Errorf("open pages dir: %w", err)
		}
		defer fs.Close()
		pages = fs
		log.Info("pages.store", slog.String("kind", "fs"), slog.String("dir", cfg.PagesDir))
	} else {
		pages = memorypages.New(pagestore.Page{
			ID:           "demo:welcome",
			CollectionID: "demo",
			Title:        "welcome",
			Content:      "# Welcome\n\nStart typing to collaborate.\n",
		})
		log.Info("pages.store", slog.String("kind", "memory"))
	}

	registry := docsessions.NewRegistry(automergedoc.New(), pages,
		docsessions.WithLogger(log),
		docsessions.WithGracePeriod(cfg.GracePeriod),
		docsessions.WithSubscriberBuffer(cfg.SubscriberBuffer),
	)
	defer registry.Shutdown(context.Background())

	authn, err := sessionauth.New(sessionauth.Config{Secret: []byte(cfg.SessionSecret)})
	if err != nil {
		return err
	}

	handler, err := streaminghttp.New(registry, meta, authn, allowAllPerms{},
		streaminghttp.WithLogger(log),
		streaminghttp.WithCSRFVerifier(authn),
		streaminghttp.WithMaxDeltaBytes(cfg.MaxDeltaBytes),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
