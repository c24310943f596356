package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/converge/pkg/stores"
)

// DefaultTTL is how long cached facts stay valid.
const DefaultTTL = time.Hour

// Collector gathers facts for one node from a Source and caches them in a
// store.
type Collector struct {
	node        string
	source      Source
	store       stores.Store
	ttl         time.Duration
	concurrency int
	logger      zerolog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithStore persists collected facts and enables cached loads.
func WithStore(s stores.Store) Option {
	return func(c *Collector) { c.store = s }
}

// WithTTL sets the cache lifetime. Zero caches without expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Collector) { c.ttl = ttl }
}

// WithConcurrency bounds the namespaces collected in parallel.
func WithConcurrency(n int) Option {
	return func(c *Collector) { c.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates a collector for node.
func NewCollector(node string, source Source, opts ...Option) *Collector {
	c := &Collector{
		node:        node,
		source:      source,
		ttl:         DefaultTTL,
		concurrency: 4,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "facts").Str("node", node).Logger()
	return c
}

func (c *Collector) probe(ctx context.Context, ns string) (any, error) {
	switch ns {
	case NamespacePlatform:
		return c.source.Platform(ctx)
	case NamespaceCPU:
		return c.source.CPU(ctx)
	case NamespaceMemory:
		return c.source.Memory(ctx)
	case NamespaceFilesystems:
		return c.source.Filesystems(ctx)
	case NamespaceNetwork:
		return c.source.Network(ctx)
	case NamespacePackages:
		return c.source.Packages(ctx)
	default:
		return nil, fmt.Errorf("unknown fact namespace %q", ns)
	}
}

// Collect probes the requested namespaces, all of them when none are given.
// A namespace that fails is logged and reported in Result.Errors; only a
// failure of the platform namespace fails the collection, since provider
// resolution cannot proceed without it.
func (c *Collector) Collect(ctx context.Context, namespaces ...string) (*Result, error) {
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	for _, ns := range namespaces {
		if !slices.Contains(DefaultNamespaces, ns) {
			return nil, fmt.Errorf("unknown fact namespace %q", ns)
		}
	}

	start := time.Now()
	c.logger.Info().
		Str("source", c.source.Name()).
		Strs("namespaces", namespaces).
		Msg("Collecting facts")

	result := &Result{
		Node:   c.node,
		Source: c.source.Name(),
		Facts:  make(map[string]any, len(namespaces)),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.concurrency)
	for _, ns := range namespaces {
		g.Go(func() error {
			data, err := c.probe(ctx, ns)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Error().Err(err).Str("namespace", ns).Msg("Failed to collect fact")
				if result.Errors == nil {
					result.Errors = make(map[string]string)
				}
				result.Errors[ns] = err.Error()
				return nil
			}
			result.Facts[ns] = data
			return nil
		})
	}
	_ = g.Wait()

	if msg, failed := result.Errors[NamespacePlatform]; failed {
		return nil, fmt.Errorf("failed to collect platform facts: %s", msg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.CollectedAt = time.Now()
	result.Duration = time.Since(start)

	if c.store != nil {
		for _, ns := range namespaces {
			data, ok := result.Facts[ns]
			if !ok {
				continue
			}
			if err := c.storeFact(ctx, ns, data); err != nil {
				c.logger.Error().Err(err).Str("namespace", ns).Msg("Failed to store fact")
			}
		}
	}

	c.logger.Info().
		Int("facts_count", len(result.Facts)).
		Dur("duration", result.Duration).
		Msg("Facts collection completed")
	return result, nil
}

func (c *Collector) storeFact(ctx context.Context, ns string, data any) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal fact data: %w", err)
	}
	return c.store.UpsertFact(ctx, &stores.Fact{
		ID:        uuid.New().String(),
		Node:      c.node,
		Namespace: ns,
		Value:     string(value),
		TTL:       int(c.ttl / time.Second),
	})
}

// Cached returns the unexpired facts stored for the node. Namespaces are
// decoded into generic attribute maps.
func (c *Collector) Cached(ctx context.Context) (*Result, error) {
	if c.store == nil {
		return nil, fmt.Errorf("no fact store configured")
	}
	facts, err := c.store.ListFacts(ctx, &c.node, nil, len(DefaultNamespaces)*2, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}

	result := &Result{Node: c.node, Source: "cache", Cached: true, Facts: make(map[string]any, len(facts))}
	for _, f := range facts {
		var data any
		if err := json.Unmarshal([]byte(f.Value), &data); err != nil {
			c.logger.Warn().Err(err).Str("namespace", f.Namespace).Msg("Skipping unreadable cached fact")
			continue
		}
		result.Facts[f.Namespace] = data
		if f.UpdatedAt.After(result.CollectedAt) {
			result.CollectedAt = f.UpdatedAt
		}
	}
	return result, nil
}

// Load returns cached facts when every requested namespace is cached and
// refresh is false; otherwise it collects.
func (c *Collector) Load(ctx context.Context, refresh bool, namespaces ...string) (*Result, error) {
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	if !refresh && c.store != nil {
		cached, err := c.Cached(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Fact cache unavailable")
		} else if covers(cached, namespaces) {
			c.logger.Debug().Msg("Using cached facts")
			return cached, nil
		}
	}
	return c.Collect(ctx, namespaces...)
}

func covers(r *Result, namespaces []string) bool {
	for _, ns := range namespaces {
		if _, ok := r.Facts[ns]; !ok {
			return false
		}
	}
	return true
}
