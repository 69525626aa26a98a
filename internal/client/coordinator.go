package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quiz_sync_backend/internal/repository"
	"quiz_sync_backend/internal/synctree"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Mode string

const (
	ModePending        Mode = "pending"
	ModeMerkle         Mode = "merkle"
	ModeMerkleError    Mode = "merkle-error"
	ModeLegacyFallback Mode = "legacy-fallback"
	ModeFullFallback   Mode = "full-fallback"
)

// ModeChange is emitted on every transition.
type ModeChange struct {
	From Mode
	To   Mode
	Err  error
	At   time.Time
}

// DeltaPuller returns every record newer than since.
type DeltaPuller interface {
	PullSince(ctx context.Context, since int64) ([]synctree.Record, error)
}

// FullPuller returns every record.
type FullPuller interface {
	PullAll(ctx context.Context) ([]synctree.Record, error)
}

// APIPuller pulls through the server's legacy peer-data endpoint.
type APIPuller struct {
	API *API
}

func (p APIPuller) PullSince(ctx context.Context, since int64) ([]synctree.Record, error) {
	data, err := p.API.PeerData(ctx, since)
	if err != nil {
		return nil, err
	}
	return data.Data, nil
}

func (p APIPuller) PullAll(ctx context.Context) ([]synctree.Record, error) {
	return p.PullSince(ctx, 0)
}

// StorePuller reads the backing store directly, bypassing the server.
type StorePuller struct {
	Repo *repository.AnswerRepository
}

func (p StorePuller) PullSince(ctx context.Context, since int64) ([]synctree.Record, error) {
	return p.Repo.SelectSince(ctx, since)
}

func (p StorePuller) PullAll(ctx context.Context) ([]synctree.Record, error) {
	return p.Repo.SelectAll(ctx)
}

type reconcilePass interface {
	Reconcile(ctx context.Context) (Summary, error)
}

// Result describes one Sync call. Errors of failed tiers are kept; they
// never escape as a returned error.
type Result struct {
	Mode    Mode
	Summary *Summary
	// Merged 降级路径合并的作答数
	Merged     int
	MerkleErr  error
	LegacyErr  error
	FullErr    error
	// Err 调用方在本轮结束前放弃等待时设置
	Err        error
	FinishedAt time.Time
}

// Failed reports whether every tier failed or the caller gave up.
func (r Result) Failed() bool {
	return r.Err != nil || (r.Mode == ModeFullFallback && r.FullErr != nil)
}

// Cause is the error that made the pass fail, if any.
func (r Result) Cause() error {
	if r.Err != nil {
		return r.Err
	}
	return r.FullErr
}

type CoordinatorOptions struct {
	Delta  DeltaPuller
	Full   FullPuller
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Coordinator runs reconciliation and degrades to a timestamp-delta pull,
// then to a full pull, when the tier above fails. A later successful
// reconciliation returns it to merkle mode.
type Coordinator struct {
	reconciler reconcilePass
	delta      DeltaPuller
	full       FullPuller
	apply      *applier
	clock      clockwork.Clock
	logger     *zap.Logger
	group      singleflight.Group

	mu             sync.Mutex
	mode           Mode
	merkleHealthy  bool
	lastErr        error
	lastModeChange time.Time
	lastKnownTS    int64
	lastSummary    *Summary
	listeners      []func(ModeChange)
}

func NewCoordinator(r *Reconciler, opts CoordinatorOptions) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		reconciler: r,
		delta:      opts.Delta,
		full:       opts.Full,
		apply:      r.apply,
		clock:      opts.Clock,
		logger:     opts.Logger,
		mode:       ModePending,
	}
}

// OnModeChange 注册模式切换回调
func (c *Coordinator) OnModeChange(fn func(ModeChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) MerkleHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merkleHealthy
}

func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) LastSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSummary
}

func (c *Coordinator) LastModeChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastModeChange
}

// LastKnownTimestamp 增量拉取使用的游标
func (c *Coordinator) LastKnownTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKnownTS
}

// Sync runs one pass. Concurrent callers share the in-flight pass, which is
// detached from any single caller's cancellation. A caller whose ctx ends
// first gets a Result with Err set while the pass keeps running.
func (c *Coordinator) Sync(ctx context.Context) Result {
	ch := c.group.DoChan("sync", func() (any, error) {
		return c.run(context.WithoutCancel(ctx)), nil
	})
	select {
	case v := <-ch:
		return v.Val.(Result)
	case <-ctx.Done():
		return Result{Mode: c.Mode(), Err: ctx.Err(), FinishedAt: c.clock.Now()}
	}
}

func (c *Coordinator) run(ctx context.Context) (res Result) {
	defer func() { res.FinishedAt = c.clock.Now() }()

	summary, err := c.reconciler.Reconcile(ctx)
	if err == nil {
		c.mu.Lock()
		c.lastSummary = &summary
		c.mu.Unlock()
		c.setMode(ModeMerkle, nil)
		res.Mode = ModeMerkle
		res.Summary = &summary
		return res
	}
	res.MerkleErr = err
	c.setMode(ModeMerkleError, err)
	c.logger.Warn("merkle sync failed, falling back to delta pull", zap.Error(err))

	merged, err := c.pullDelta(ctx)
	if err == nil {
		res.Mode = ModeLegacyFallback
		res.Merged = merged
		c.setMode(ModeLegacyFallback, res.MerkleErr)
		return res
	}
	res.LegacyErr = err
	c.logger.Warn("delta pull failed, falling back to full pull", zap.Error(err))

	res.Mode = ModeFullFallback
	merged, err = c.pullFull(ctx)
	res.Merged = merged
	if err != nil {
		res.FullErr = err
		c.logger.Error("full pull failed", zap.Error(err))
		c.setMode(ModeFullFallback, err)
		return res
	}
	c.setMode(ModeFullFallback, res.LegacyErr)
	return res
}

func (c *Coordinator) pullDelta(ctx context.Context) (int, error) {
	if c.delta == nil {
		return 0, fmt.Errorf("no delta source configured")
	}
	since := c.LastKnownTimestamp()
	records, err := c.delta.PullSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("delta pull since %d: %w", since, err)
	}
	applied, latest, err := c.apply.applyAll(ctx, records)
	c.advance(latest)
	if err != nil {
		return applied, fmt.Errorf("merge delta: %w", err)
	}
	c.logger.Info("delta pull merged", zap.Int("received", len(records)), zap.Int("applied", applied), zap.Int64("since", since))
	return applied, nil
}

func (c *Coordinator) pullFull(ctx context.Context) (int, error) {
	if c.full == nil {
		return 0, fmt.Errorf("no full pull source configured")
	}
	records, err := c.full.PullAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("full pull: %w", err)
	}
	applied, latest, err := c.apply.applyAll(ctx, records)
	c.advance(latest)
	if err != nil {
		return applied, fmt.Errorf("merge full pull: %w", err)
	}
	c.logger.Info("full pull merged", zap.Int("received", len(records)), zap.Int("applied", applied))
	return applied, nil
}

func (c *Coordinator) advance(ts int64) {
	c.mu.Lock()
	if ts > c.lastKnownTS {
		c.lastKnownTS = ts
	}
	c.mu.Unlock()
}

func (c *Coordinator) setMode(next Mode, err error) {
	c.mu.Lock()
	if next == ModeMerkle {
		c.merkleHealthy = true
		c.lastErr = nil
	} else {
		c.merkleHealthy = false
		if err != nil {
			c.lastErr = err
		}
	}
	if c.mode == next {
		c.mu.Unlock()
		return
	}
	change := ModeChange{From: c.mode, To: next, Err: err, At: c.clock.Now()}
	c.mode = next
	c.lastModeChange = change.At
	listeners := append(([]func(ModeChange))(nil), c.listeners...)
	c.mu.Unlock()

	c.logger.Info("sync mode switched", zap.String("from", string(change.From)), zap.String("to", string(next)))
	for _, fn := range listeners {
		fn(change)
	}
}
