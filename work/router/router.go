package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"
)

// Provider resolves a channel to a playable stream through one upstream
// family. Providers are stateless from the router's point of view; whatever
// caching they do is their own business.
type Provider interface {
	Name() string
	Priority() int
	Resolve(ctx context.Context, channel string) (types.StreamResolution, error)
}

// Options tweaks provider ordering for one request.
type Options struct {
	// Preferred moves the named provider to the front of the order.
	Preferred string
	// Excluded drops providers from consideration entirely.
	Excluded []string
}

// Router tries providers in priority order and returns the first success.
// When everything fails, the aggregate error carries each provider's
// individual failure so an operator can see which link in the chain broke.
type Router struct {
	providers []Provider
	log       *logger.Logger
}

// New creates a router over the given providers.
func New(log *logger.Logger, providers ...Provider) *Router {
	return &Router{
		providers: providers,
		log:       log.WithComponent("router"),
	}
}

// GetStream resolves a channel through the provider chain.
func (r *Router) GetStream(ctx context.Context, channel string, opts Options) (types.StreamResolution, error) {
	ordered := r.order(opts)
	if len(ordered) == 0 {
		return types.StreamResolution{}, fmt.Errorf("no providers available: %w", types.ErrAllSourcesFailed)
	}

	var failures []string
	for _, provider := range ordered {
		resolution, err := provider.Resolve(ctx, channel)
		if err != nil {
			metrics.Resolutions.WithLabelValues(provider.Name(), "failure").Inc()
			failures = append(failures, provider.Name()+": "+utils.ShortError(err))
			r.log.Debug("provider %s failed for channel %s: %s", provider.Name(), channel, utils.ShortError(err))
			continue
		}

		metrics.Resolutions.WithLabelValues(provider.Name(), "success").Inc()
		resolution.Success = true
		resolution.SourceProvider = provider.Name()
		return resolution, nil
	}

	return types.StreamResolution{}, fmt.Errorf("%w: %s", types.ErrAllSourcesFailed, strings.Join(failures, "; "))
}

// order applies exclusions, sorts by priority and moves any preferred
// provider to the front.
func (r *Router) order(opts Options) []Provider {
	excluded := make(map[string]bool, len(opts.Excluded))
	for _, name := range opts.Excluded {
		excluded[name] = true
	}

	var ordered []Provider
	for _, provider := range r.providers {
		if !excluded[provider.Name()] {
			ordered = append(ordered, provider)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})

	if opts.Preferred != "" {
		for i, provider := range ordered {
			if provider.Name() == opts.Preferred && i > 0 {
				preferred := ordered[i]
				copy(ordered[1:i+1], ordered[:i])
				ordered[0] = preferred
				break
			}
		}
	}
	return ordered
}
