package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
	"github.com/LionTao/misty/internal/store"
	"github.com/LionTao/misty/internal/util/workerpool"
)

// RegistryConfig holds shard activation configuration
type RegistryConfig struct {
	MaxActive        int
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
}

// ShardRegistry hosts the shards of this node. Shards are activated on first
// access (restored from the state store) and deactivated by LRU pressure or
// idleness; deactivation flushes state before a new instance may be activated.
type ShardRegistry struct {
	cfg          *RegistryConfig
	deps         *shardDeps
	cache        *lru.Cache
	deactivating map[string]chan struct{}
	mu           sync.Mutex
	pool         *workerpool.WorkerPool
	metrics      *metrics.Metrics
	logger       *zap.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewShardRegistry creates a registry. Child shards are seeded through the
// registry itself until SetPeers installs a cluster-aware router.
func NewShardRegistry(
	cfg *RegistryConfig,
	shardCfg *ShardConfig,
	g *grid.Grid,
	stateStore store.StateStore,
	codec *store.Codec,
	directory DirectoryAPI,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*ShardRegistry, error) {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 10000
	}

	r := &ShardRegistry{
		cfg: cfg,
		deps: &shardDeps{
			cfg:       shardCfg,
			grid:      g,
			store:     stateStore,
			codec:     codec,
			directory: directory,
			metrics:   m,
			logger:    logger,
		},
		deactivating: make(map[string]chan struct{}),
		pool:         pool,
		metrics:      m,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	r.deps.peers = r

	cache, err := lru.NewWithEvict(cfg.MaxActive, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard cache: %w", err)
	}
	r.cache = cache

	return r, nil
}

// SetPeers installs the ShardAPI used by splitting shards to seed their children
func (r *ShardRegistry) SetPeers(peers ShardAPI) {
	r.deps.peers = peers
}

// Start runs the idle eviction loop
func (r *ShardRegistry) Start() {
	if r.cfg.IdleTimeout <= 0 || r.cfg.EvictionInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.evictIdleLoop()
}

// Accept implements ShardAPI
func (r *ShardRegistry) Accept(ctx context.Context, cell string, segment model.TrajectorySegment) (bool, int, error) {
	var (
		accepted bool
		hint     int
	)
	err := r.withShard(ctx, cell, func(s *Shard) error {
		var err error
		accepted, hint, err = s.Accept(ctx, segment)
		return err
	})
	return accepted, hint, err
}

// InitializeAsChild implements ShardAPI
func (r *ShardRegistry) InitializeAsChild(ctx context.Context, cell string, segments []model.TrajectorySegment) (bool, error) {
	var ok bool
	err := r.withShard(ctx, cell, func(s *Shard) error {
		var err error
		ok, err = s.InitializeAsChild(ctx, segments)
		return err
	})
	return ok, err
}

// Query implements ShardAPI
func (r *ShardRegistry) Query(ctx context.Context, cell string, query *geo.Query) (bool, []string, error) {
	var (
		ok  bool
		ids []string
	)
	err := r.withShard(ctx, cell, func(s *Shard) error {
		var err error
		ok, ids, err = s.Query(ctx, query)
		return err
	})
	return ok, ids, err
}

// withShard runs fn against the active instance of cell, re-resolving when
// the instance was deactivated underneath the call
func (r *ShardRegistry) withShard(ctx context.Context, cell string, fn func(*Shard) error) error {
	for {
		s, err := r.Shard(ctx, cell)
		if err != nil {
			return err
		}
		err = fn(s)
		if stderrors.Is(err, errDeactivated) {
			continue
		}
		return err
	}
}

// Shard returns the active instance for cell, activating it if needed
func (r *ShardRegistry) Shard(ctx context.Context, cellID string) (*Shard, error) {
	cell, err := grid.Parse(cellID)
	if err != nil {
		return nil, err
	}

	for {
		r.mu.Lock()
		if v, ok := r.cache.Get(cellID); ok {
			r.mu.Unlock()
			return v.(*Shard), nil
		}
		if done, ok := r.deactivating[cellID]; ok {
			r.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s := newShard(cell, r.deps)
		if err := s.restore(ctx); err != nil {
			r.mu.Unlock()
			r.logger.Error("Failed to activate shard", zap.String("cell", cellID), zap.Error(err))
			return nil, err
		}
		r.cache.Add(cellID, s)
		r.mu.Unlock()

		r.metrics.ShardActivationsTotal.Inc()
		r.metrics.ActiveShards.Set(float64(r.Active()))
		return s, nil
	}
}

// onEvict runs under r.mu (every cache mutation happens under it)
func (r *ShardRegistry) onEvict(key, value interface{}) {
	cellID := key.(string)
	s := value.(*Shard)

	done := make(chan struct{})
	r.deactivating[cellID] = done

	task := workerpool.Task{
		ID: "deactivate-" + cellID,
		Fn: func(ctx context.Context) error {
			defer func() {
				r.mu.Lock()
				delete(r.deactivating, cellID)
				r.mu.Unlock()
				close(done)
			}()
			if err := s.deactivate(ctx); err != nil {
				return fmt.Errorf("failed to flush shard %s: %w", cellID, err)
			}
			return nil
		},
	}

	r.metrics.ShardEvictionsTotal.Inc()
	if !r.pool.TrySubmit(task) {
		// Pool saturated or stopped; r.mu is held so the flush cannot run inline
		go func() {
			if err := task.Fn(context.Background()); err != nil {
				r.logger.Error("Shard deactivation failed", zap.String("cell", cellID), zap.Error(err))
			}
		}()
	}
}

// Evict deactivates the given cell if it is active
func (r *ShardRegistry) Evict(cellID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.cache.Remove(cellID)
	r.metrics.ActiveShards.Set(float64(r.cache.Len()))
	return removed
}

// EvictWhere deactivates every active shard whose cell matches
func (r *ShardRegistry) EvictWhere(match func(cellID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for _, k := range r.cache.Keys() {
		if match(k.(string)) && r.cache.Remove(k) {
			evicted++
		}
	}
	r.metrics.ActiveShards.Set(float64(r.cache.Len()))
	return evicted
}

// Active returns the number of activated shards
func (r *ShardRegistry) Active() int {
	return r.cache.Len()
}

func (r *ShardRegistry) evictIdleLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle(time.Now().Add(-r.cfg.IdleTimeout))
		case <-r.stopCh:
			return
		}
	}
}

func (r *ShardRegistry) evictIdle(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for _, k := range r.cache.Keys() {
		v, ok := r.cache.Peek(k)
		if !ok {
			continue
		}
		if v.(*Shard).IdleSince().Before(cutoff) && r.cache.Remove(k) {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("Evicted idle shards", zap.Int("count", evicted))
	}
	r.metrics.ActiveShards.Set(float64(r.cache.Len()))
}

// Close deactivates every shard and waits for the flushes
func (r *ShardRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	pending := make([]chan struct{}, 0, r.cache.Len())
	r.cache.Purge()
	for _, done := range r.deactivating {
		pending = append(pending, done)
	}
	r.mu.Unlock()

	for _, done := range pending {
		<-done
	}
	r.metrics.ActiveShards.Set(0)
	r.logger.Info("Shard registry closed")
}
