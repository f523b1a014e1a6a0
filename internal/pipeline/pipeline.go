// Package pipeline is the single writer of the current location: it turns
// log lines into events, applies them and publishes every transition.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/extract"
	"github.com/dgnsrekt/whereami/internal/imagecache"
	"github.com/dgnsrekt/whereami/internal/location"
	"github.com/dgnsrekt/whereami/internal/metrics"
	"github.com/dgnsrekt/whereami/internal/vrcapi"
)

// Resolver looks up world metadata.
type Resolver interface {
	GetWorld(ctx context.Context, worldID string) (*vrcapi.World, error)
}

// ImageCache is the part of imagecache.Cache the pipeline drives.
type ImageCache interface {
	Register(worldID, imageURL string)
	GetOrFetch(ctx context.Context, worldID, imageURL string) (imagecache.Entry, error)
}

// Options toggles optional behavior.
type Options struct {
	// Prefetch downloads a world's image as soon as its URL is known.
	Prefetch bool
}

type Pipeline struct {
	state    *location.State
	bc       *broadcast.Broadcaster[*location.Location]
	cache    ImageCache
	resolver Resolver
	metrics  *metrics.Metrics
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	// lookups holds at most the newest world to resolve.
	lookups  chan string
	resolved chan extract.WorldResolved
}

// New wires a pipeline. cache, resolver and m may be nil.
func New(
	state *location.State,
	bc *broadcast.Broadcaster[*location.Location],
	cache ImageCache,
	resolver Resolver,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		state:    state,
		bc:       bc,
		cache:    cache,
		resolver: resolver,
		metrics:  m,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		lookups:  make(chan string, 1),
		resolved: make(chan extract.WorldResolved),
	}
}

// Run consumes lines until ctx is done or lines is closed. The broadcaster
// is closed on return so every subscriber ends.
func (p *Pipeline) Run(ctx context.Context, lines <-chan string) error {
	defer p.bc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.resolver != nil {
		go p.resolveLoop(ctx)
	}

	p.logger.Info("pipeline starting")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping")
			return nil

		case line, ok := <-lines:
			if !ok {
				p.logger.Info("line source closed")
				return nil
			}
			if ev, ok := extract.ParseLine(line, p.now()); ok {
				p.apply(ctx, ev)
			}

		case ev := <-p.resolved:
			p.apply(ctx, ev)
		}
	}
}

func (p *Pipeline) apply(ctx context.Context, ev extract.Event) {
	if p.metrics != nil {
		p.metrics.Events.WithLabelValues(extract.TypeName(ev)).Inc()
	}

	tr, changed := p.state.Apply(ev)
	if !changed {
		return
	}

	p.bc.Publish(tr.Location)
	if p.metrics != nil {
		p.metrics.Transitions.Inc()
	}

	loc := tr.Location
	if loc == nil {
		p.logger.Info("left world", zap.Uint64("seq", tr.Seq))
		return
	}

	p.logger.Info("location changed",
		zap.Uint64("seq", tr.Seq),
		zap.String("world", loc.WorldID),
		zap.String("instance", loc.InstanceID),
		zap.String("access", string(loc.Access)),
		zap.String("name", loc.WorldName),
	)

	if p.cache != nil {
		p.cache.Register(loc.WorldID, loc.WorldImageURL)
		if p.opts.Prefetch && loc.WorldImageURL != "" {
			go p.prefetch(ctx, loc.WorldID, loc.WorldImageURL)
		}
	}

	if _, entered := ev.(extract.WorldEntered); entered && p.resolver != nil && loc.WorldName == "" {
		p.requestLookup(loc.WorldID)
	}
}

// requestLookup replaces any pending lookup; only the newest world matters.
func (p *Pipeline) requestLookup(worldID string) {
	select {
	case <-p.lookups:
	default:
	}
	p.lookups <- worldID
}

func (p *Pipeline) resolveLoop(ctx context.Context) {
	for {
		var worldID string
		select {
		case <-ctx.Done():
			return
		case worldID = <-p.lookups:
		}

		w, err := p.resolver.GetWorld(ctx, worldID)
		if err != nil {
			result := "error"
			if errors.Is(err, vrcapi.ErrNotFound) {
				result = "not_found"
			}
			p.observeResolution(result)
			if ctx.Err() == nil {
				p.logger.Warn("world lookup failed", zap.String("world", worldID), zap.Error(err))
			}
			continue
		}
		p.observeResolution("ok")

		// No ObservedAt: metadata must not move the log clock.
		ev := extract.WorldResolved{
			WorldID:    worldID,
			Name:       w.Name,
			AuthorName: w.AuthorName,
			ImageURL:   w.ImageURL,
		}
		select {
		case p.resolved <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) prefetch(ctx context.Context, worldID, imageURL string) {
	if _, err := p.cache.GetOrFetch(ctx, worldID, imageURL); err != nil && ctx.Err() == nil {
		p.logger.Debug("image prefetch failed", zap.String("world", worldID), zap.Error(err))
	}
}

func (p *Pipeline) observeResolution(result string) {
	if p.metrics != nil {
		p.metrics.Resolutions.WithLabelValues(result).Inc()
	}
}
