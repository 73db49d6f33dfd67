// Package coordinator drives a harvest run: a bounded pool of workers pulls
// work units off a shared queue, borrows a device identity for each fetch,
// classifies the result, and reacts by persisting, retrying, stepping down
// the quality ladder, or rotating to another device.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/project5001/harvestd/internal/classify"
	"github.com/project5001/harvestd/internal/harvest"
	"github.com/project5001/harvestd/internal/library"
	"github.com/project5001/harvestd/internal/progress"
)

// DevicePool is the slice of the rotation registry the coordinator needs.
type DevicePool interface {
	Select(ctx context.Context) (harvest.Device, error)
	MarkRateLimited(ctx context.Context, deviceID string, signal harvest.Signal, detail string) (bool, error)
	RecordSuccess(ctx context.Context, deviceID string) error
	RecordFailure(ctx context.Context, deviceID string) error
}

// Options tunes one coordinator instance.
type Options struct {
	// Concurrency is the worker pool size.
	Concurrency int
	// QualityLadder is the ordered fallback ladder, best first.
	QualityLadder []string
	// MaxRotations bounds how many devices may give up on one unit before
	// it is skipped for the run.
	MaxRotations int
	// TransientRetries is the per-device retry budget for transient
	// failures of one unit.
	TransientRetries int
	// LibraryDir is where harvested files land.
	LibraryDir string
	// DispatchDelay spaces out fetch attempts across all workers.
	DispatchDelay time.Duration
	// NotifyTimeout bounds the post-run mesh announcement.
	NotifyTimeout time.Duration
}

// Coordinator executes harvest runs.
type Coordinator struct {
	store      harvest.Store
	pool       DevicePool
	downloader harvest.Downloader
	classifier *classify.Classifier
	emitter    progress.Emitter
	archiver   harvest.Archiver
	notifier   harvest.Notifier
	clock      harvest.Clock
	limiter    *rate.Limiter
	logger     *zap.Logger
	opts       Options
}

// New wires a Coordinator. The archiver and notifier may be the no-op
// implementations; store, pool, and downloader are required.
func New(
	store harvest.Store,
	pool DevicePool,
	downloader harvest.Downloader,
	emitter progress.Emitter,
	archiver harvest.Archiver,
	notifier harvest.Notifier,
	clock harvest.Clock,
	logger *zap.Logger,
	opts Options,
) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.TransientRetries < 0 {
		opts.TransientRetries = 0
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.DispatchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.DispatchDelay), 1)
	}
	return &Coordinator{
		store:      store,
		pool:       pool,
		downloader: downloader,
		classifier: classify.New(),
		emitter:    emitter,
		archiver:   archiver,
		notifier:   notifier,
		clock:      clock,
		limiter:    limiter,
		logger:     logger,
		opts:       opts,
	}
}

// run carries the mutable state of one Run invocation.
type run struct {
	id        uuid.UUID
	alloc     *library.Allocator
	queue     chan harvest.WorkUnit
	mu        sync.Mutex
	pending   int
	tally     harvest.Tally
	harvested []string
	haltErr   error
	cancel    context.CancelFunc
}

// finish moves one unit into its terminal tally bucket and closes the queue
// once nothing is left.
func (r *run) finish(bucket func(*harvest.Tally)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket(&r.tally)
	r.pending--
	if r.pending == 0 {
		close(r.queue)
	}
}

// halt stops the whole run; the unit triggering it still needs finish.
func (r *run) halt(err error) {
	r.mu.Lock()
	if r.haltErr == nil {
		r.haltErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

// Run harvests the given units and returns the final tally. Every unit lands
// in exactly one bucket, cancellation and pool exhaustion included. The
// returned error is nil for a completed run, the context error for a
// cancelled one, and harvest.ErrNoEligibleDevices when every device is out
// of rotation.
func (c *Coordinator) Run(ctx context.Context, units []harvest.WorkUnit) (harvest.Tally, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	alloc, err := library.NewAllocator(c.opts.LibraryDir)
	if err != nil {
		return harvest.Tally{}, err
	}

	r := &run{
		id:    uuid.New(),
		alloc: alloc,
		// Capacity covers every possible requeue so workers never block
		// putting a unit back.
		queue:   make(chan harvest.WorkUnit, len(units)*(c.opts.MaxRotations+2)),
		pending: len(units),
		cancel:  cancel,
	}
	c.emit(progress.Event{RunID: r.id, TS: c.clock.Now(), Stage: progress.StageRunStart})
	started := c.clock.Now()

	if len(units) == 0 {
		c.emit(progress.Event{RunID: r.id, TS: c.clock.Now(), Stage: progress.StageRunDone})
		return harvest.Tally{}, nil
	}
	for _, unit := range units {
		r.queue <- unit
	}

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case unit, ok := <-r.queue:
					if !ok {
						return
					}
					c.process(runCtx, r, unit)
				}
			}
		}()
	}
	wg.Wait()

	// Whatever is still queued after a halt or cancellation is skipped.
drain:
	for {
		select {
		case _, ok := <-r.queue:
			if !ok {
				break drain
			}
			r.mu.Lock()
			r.tally.Skipped++
			r.pending--
			r.mu.Unlock()
		default:
			break drain
		}
	}

	r.mu.Lock()
	tally := r.tally
	haltErr := r.haltErr
	harvested := append([]string(nil), r.harvested...)
	r.mu.Unlock()

	c.emit(progress.Event{
		RunID: r.id, TS: c.clock.Now(), Stage: progress.StageRunDone,
		Dur: c.clock.Now().Sub(started),
	})
	c.logger.Info("run complete",
		zap.String("run_id", r.id.String()),
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("already_present", tally.AlreadyPresent),
		zap.Int("permanent_failures", tally.PermanentFailure),
		zap.Int("skipped", tally.Skipped),
	)

	if len(harvested) > 0 {
		go c.announce(harvested)
	}

	if haltErr != nil {
		return tally, haltErr
	}
	if err := ctx.Err(); err != nil {
		return tally, err
	}
	return tally, nil
}

// announce tells the mesh about freshly harvested items. Failures are logged
// and forgotten.
func (c *Coordinator) announce(sourceIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.NotifyTimeout)
	defer cancel()
	if err := c.notifier.NotifyHarvested(ctx, sourceIDs); err != nil {
		c.logger.Warn("mesh notification failed", zap.Error(err))
	}
}

// process works one unit to a terminal outcome or a requeue.
func (c *Coordinator) process(ctx context.Context, r *run, unit harvest.WorkUnit) {
	c.emit(progress.Event{
		RunID: r.id, TS: c.clock.Now(), Stage: progress.StageUnitStart,
		SourceID: unit.SourceID,
	})

	dev, err := c.selectDevice(ctx, r)
	if err != nil {
		if errors.Is(err, harvest.ErrNoEligibleDevices) {
			r.halt(harvest.ErrNoEligibleDevices)
		}
		c.finishUnit(r, unit, harvest.OutcomeSkipped, func(t *harvest.Tally) { t.Skipped++ })
		return
	}

	// A requeued unit keeps the path it was allocated on its first attempt.
	if unit.Target == "" {
		unit.Target = r.alloc.NextPath(unit.Title, unit.Uploader)
	}

	qualityIdx := 0
	transientLeft := c.opts.TransientRetries

	// Quality fallback and transient retries stay on the borrowed device;
	// only a throttle hands the unit to another one.
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			c.finishUnit(r, unit, harvest.OutcomeSkipped, func(t *harvest.Tally) { t.Skipped++ })
			return
		}

		quality := c.opts.QualityLadder[qualityIdx]
		res := c.downloader.Fetch(ctx, harvest.FetchRequest{
			SourceID:   unit.SourceID,
			DeviceID:   dev.ID,
			Quality:    quality,
			TargetPath: unit.Target,
		})
		outcome := c.classifier.Classify(res)
		c.emit(progress.Event{
			RunID: r.id, TS: c.clock.Now(), Stage: progress.StageFetchDone,
			SourceID: unit.SourceID, DeviceID: dev.ID, Quality: quality,
			Outcome: outcome, Bytes: res.Bytes, Dur: res.Duration,
		})

		switch outcome {
		case harvest.OutcomeSuccess:
			c.completeUnit(ctx, r, unit, dev, quality, res)
			return

		case harvest.OutcomeQualityUnavailable:
			if qualityIdx+1 < len(c.opts.QualityLadder) {
				qualityIdx++
				continue
			}
			// Ladder exhausted; the source genuinely cannot be fetched.
			c.recordFailure(ctx, dev.ID)
			c.finishUnit(r, unit, harvest.OutcomePermanent, func(t *harvest.Tally) { t.PermanentFailure++ })
			return

		case harvest.OutcomeTransient:
			if transientLeft > 0 {
				transientLeft--
				continue
			}
			c.recordFailure(ctx, dev.ID)
			c.finishUnit(r, unit, harvest.OutcomePermanent, func(t *harvest.Tally) { t.PermanentFailure++ })
			return

		case harvest.OutcomeRateLimited:
			c.rotate(ctx, r, unit, dev, res)
			return

		default: // OutcomePermanent
			c.recordFailure(ctx, dev.ID)
			c.finishUnit(r, unit, harvest.OutcomePermanent, func(t *harvest.Tally) { t.PermanentFailure++ })
			return
		}
	}
}

// selectDevice borrows an identity, sleeping through pool-wide cooldowns.
func (c *Coordinator) selectDevice(ctx context.Context, r *run) (harvest.Device, error) {
	for {
		dev, err := c.pool.Select(ctx)
		if err == nil {
			return dev, nil
		}
		cd, ok := harvest.AsCooldown(err)
		if !ok {
			return harvest.Device{}, err
		}
		wait := cd.Until.Sub(c.clock.Now())
		if wait < 0 {
			wait = 0
		}
		c.logger.Info("all devices cooling down", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return harvest.Device{}, ctx.Err()
		case <-time.After(wait + 100*time.Millisecond):
		}
	}
}

// completeUnit persists a successful fetch and settles the tally bucket.
func (c *Coordinator) completeUnit(
	ctx context.Context,
	r *run,
	unit harvest.WorkUnit,
	dev harvest.Device,
	quality string,
	res harvest.FetchResult,
) {
	artist, title := library.SplitArtistTitle(unit.Title, unit.Uploader)
	inserted, err := c.store.UpsertCatalogueEntry(ctx, harvest.CatalogueEntry{
		SourceID:    unit.SourceID,
		Title:       title,
		Artist:      artist,
		Quality:     quality,
		StoragePath: res.Path,
		AcquiredAt:  c.clock.Now(),
		DeviceID:    dev.ID,
	})
	if err != nil {
		// A failing store is fatal for the whole run, not just this unit.
		c.logger.Error("catalogue upsert failed",
			zap.String("source_id", unit.SourceID), zap.Error(err))
		r.halt(fmt.Errorf("catalogue upsert for %s: %w", unit.SourceID, err))
		c.finishUnit(r, unit, harvest.OutcomeSkipped, func(t *harvest.Tally) { t.Skipped++ })
		return
	}

	if err := c.pool.RecordSuccess(ctx, dev.ID); err != nil {
		c.logger.Warn("record success failed", zap.String("device_id", dev.ID), zap.Error(err))
	}

	if inserted {
		c.archive(ctx, res.Path)
		r.mu.Lock()
		r.harvested = append(r.harvested, unit.SourceID)
		r.mu.Unlock()
		c.finishUnit(r, unit, harvest.OutcomeSuccess, func(t *harvest.Tally) { t.Succeeded++ })
	} else {
		c.finishUnit(r, unit, harvest.OutcomeSuccess, func(t *harvest.Tally) { t.AlreadyPresent++ })
	}
}

// rotate records the throttle and either requeues the unit on another device
// or gives up when the rotation bound is reached.
func (c *Coordinator) rotate(
	ctx context.Context,
	r *run,
	unit harvest.WorkUnit,
	dev harvest.Device,
	res harvest.FetchResult,
) {
	signal := c.classifier.Signal(res)
	if _, err := c.pool.MarkRateLimited(ctx, dev.ID, signal, classify.Detail(res)); err != nil {
		c.logger.Error("mark rate limited failed",
			zap.String("device_id", dev.ID), zap.Error(err))
	}
	c.emit(progress.Event{
		RunID: r.id, TS: c.clock.Now(), Stage: progress.StageRateLimited,
		SourceID: unit.SourceID, DeviceID: dev.ID, Signal: signal,
	})

	if unit.Rotations+1 > c.opts.MaxRotations {
		c.logger.Warn("rotation bound reached, skipping unit",
			zap.String("source_id", unit.SourceID),
			zap.Int("rotations", unit.Rotations))
		c.finishUnit(r, unit, harvest.OutcomeSkipped, func(t *harvest.Tally) { t.Skipped++ })
		return
	}
	unit.Rotations++
	r.queue <- unit
}

// archive best-effort copies the artifact off the node.
func (c *Coordinator) archive(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("archive read failed", zap.String("path", path), zap.Error(err))
		return
	}
	name := fmt.Sprintf("%s/%s", c.clock.Now().UTC().Format("2006/01"), filepath.Base(path))
	if err := c.archiver.Archive(ctx, name, data); err != nil {
		c.logger.Warn("archive failed", zap.String("path", path), zap.Error(err))
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, deviceID string) {
	if err := c.pool.RecordFailure(ctx, deviceID); err != nil {
		c.logger.Warn("record failure failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// finishUnit emits the terminal unit event and settles the tally.
func (c *Coordinator) finishUnit(
	r *run,
	unit harvest.WorkUnit,
	outcome harvest.Outcome,
	bucket func(*harvest.Tally),
) {
	c.emit(progress.Event{
		RunID: r.id, TS: c.clock.Now(), Stage: progress.StageUnitDone,
		SourceID: unit.SourceID, Outcome: outcome,
	})
	r.finish(bucket)
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.emitter != nil {
		c.emitter.Emit(evt)
	}
}
