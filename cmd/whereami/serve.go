package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/config"
	"github.com/dgnsrekt/whereami/internal/imagecache"
	"github.com/dgnsrekt/whereami/internal/location"
	"github.com/dgnsrekt/whereami/internal/logtail"
	"github.com/dgnsrekt/whereami/internal/metrics"
	"github.com/dgnsrekt/whereami/internal/pipeline"
	"github.com/dgnsrekt/whereami/internal/server"
	"github.com/dgnsrekt/whereami/internal/vrcapi"
	"github.com/dgnsrekt/whereami/internal/ws"
)

// lineBuffer decouples the tailer from short pipeline stalls.
const lineBuffer = 256

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Tail the log and serve the current location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("configuration loaded",
		zap.String("logsPath", cfg.LogsPath),
		zap.String("address", cfg.Address),
		zap.String("content", cfg.Content),
		zap.String("cache", cfg.Cache),
		zap.Bool("fromStart", cfg.Tail.FromStart),
		zap.Strings("exposeJoinLink", cfg.Location.ExposeJoinLink),
		zap.Bool("apiEnabled", cfg.API.Enabled),
		zap.Bool("wsEnabled", cfg.Server.WSEnabled),
	)

	policy, err := location.NewJoinPolicy(cfg.Location.ExposeJoinLink)
	if err != nil {
		return err
	}

	src, err := logtail.NewSource(cfg.LogsPath, cfg.Tail.RescanInterval, logger.Named("source"))
	if err != nil {
		return fmt.Errorf("opening log source: %w", err)
	}
	tailer := logtail.New(src, logtail.Config{
		PollInterval: cfg.Tail.PollInterval,
		MaxLineBytes: cfg.Tail.MaxLineBytes,
		FromStart:    cfg.Tail.FromStart,
	}, logger.Named("tailer"))

	client := vrcapi.NewClient(vrcapi.Options{
		BaseURL:       cfg.API.BaseURL,
		AuthCookie:    cfg.API.AuthCookie,
		RatePerSec:    cfg.API.RatePerSecond,
		Timeout:       cfg.API.Timeout,
		RetryInterval: cfg.API.RetryDelay,
		MaxRetries:    cfg.API.RetryCount,
		CacheSize:     cfg.API.CacheSize,
		CacheTTL:      cfg.API.CacheTTL,
	}, logger.Named("vrcapi"))

	// Images named in the log are fetched even when metadata lookups are off.
	var resolver pipeline.Resolver
	if cfg.API.Enabled {
		resolver = client
	}

	cache, err := imagecache.New(imagecache.Options{
		Dir:             cfg.Cache,
		RevalidateAfter: cfg.ImageCache.RevalidateAfter,
		FetchTimeout:    cfg.API.Timeout,
	}, client, logger.Named("imagecache"))
	if err != nil {
		return fmt.Errorf("opening image cache: %w", err)
	}

	state := location.NewState(policy)
	feed := broadcast.New[*location.Location](nil, cfg.Broadcast.QueueSize, (*location.Location).Clone, logger.Named("broadcast"))

	var hub *ws.Hub
	if cfg.Server.WSEnabled {
		hub = ws.NewHub(feed, logger.Named("ws"))
	}

	m := metrics.New()
	registerMetrics(m, tailer, feed, cache, hub)

	p := pipeline.New(state, feed, cache, resolver, m, pipeline.Options{
		Prefetch: cfg.ImageCache.Prefetch,
	}, logger.Named("pipeline"))

	srv := server.NewServer(server.Deps{
		State:   state,
		Feed:    feed,
		Images:  cache,
		Hub:     hub,
		Metrics: m,
	}, server.Options{
		Address:         cfg.Address,
		ContentDir:      cfg.Content,
		Heartbeat:       cfg.Server.Heartbeat,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Gzip:            cfg.Server.Gzip,
	}, logger.Named("server"))

	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan string, lineBuffer)

	g.Go(func() error { return tailer.Run(ctx, lines) })
	g.Go(func() error { return p.Run(ctx, lines) })
	g.Go(func() error { return srv.Run(ctx) })
	if hub != nil {
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
	}
	if cfg.ImageCache.MaxAge > 0 {
		g.Go(func() error {
			pruneLoop(ctx, cache, cfg.ImageCache.MaxAge, cfg.ImageCache.PruneInterval, logger.Named("imagecache"))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func registerMetrics(m *metrics.Metrics, tailer *logtail.Tailer, feed *broadcast.Broadcaster[*location.Location], cache *imagecache.Cache, hub *ws.Hub) {
	m.CounterFunc("log_lines_total", "Complete lines read from the log.", func() float64 {
		return float64(tailer.Stats().Lines)
	})
	m.CounterFunc("log_rotations_total", "Times the followed log file was replaced.", func() float64 {
		return float64(tailer.Stats().Rotations)
	})
	m.CounterFunc("log_truncations_total", "Times the followed log file shrank.", func() float64 {
		return float64(tailer.Stats().Truncations)
	})
	m.CounterFunc("log_oversized_lines_total", "Lines dropped for exceeding the length limit.", func() float64 {
		return float64(tailer.Stats().Oversized)
	})
	m.CounterFunc("log_read_errors_total", "Failed stat or read attempts on the log.", func() float64 {
		return float64(tailer.Stats().Errors)
	})

	m.GaugeFunc("subscribers", "Active location subscribers.", func() float64 {
		return float64(feed.Len())
	})
	if hub != nil {
		m.GaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 {
			return float64(hub.Len())
		})
	}

	m.CounterFunc("image_cache_hits_total", "Image requests served without a fetch.", func() float64 {
		return float64(cache.Stats().Hits)
	})
	m.CounterFunc("image_cache_fetches_total", "Image fetches that stored an image.", func() float64 {
		return float64(cache.Stats().Fetches)
	})
	m.CounterFunc("image_cache_failures_total", "Image fetches that failed.", func() float64 {
		return float64(cache.Stats().Failures)
	})
	m.GaugeFunc("image_cache_entries", "Images held in the cache.", func() float64 {
		return float64(cache.Stats().Entries)
	})
}

// pruneLoop removes images of worlds not referenced within maxAge.
func pruneLoop(ctx context.Context, cache *imagecache.Cache, maxAge, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cache.Prune(maxAge); err != nil {
				logger.Warn("pruning image cache", zap.Error(err))
			}
		}
	}
}
