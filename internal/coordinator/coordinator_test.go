package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
	"github.com/project5001/harvestd/internal/mesh"
	"github.com/project5001/harvestd/internal/rotation"
	"github.com/project5001/harvestd/internal/store/sqlite"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// memStore covers the store surface a run touches.
type memStore struct {
	harvest.Store

	mu        sync.Mutex
	entries   map[string]harvest.CatalogueEntry
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]harvest.CatalogueEntry)}
}

func (m *memStore) UpsertCatalogueEntry(_ context.Context, entry harvest.CatalogueEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	if _, ok := m.entries[entry.SourceID]; ok {
		return false, nil
	}
	m.entries[entry.SourceID] = entry
	return true, nil
}

func (m *memStore) get(sourceID string) (harvest.CatalogueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sourceID]
	return e, ok
}

// memPool is a scriptable device pool. Devices rotate round-robin; a rate
// limited device leaves the pool.
type memPool struct {
	mu          sync.Mutex
	devices     []string
	next        int
	rateLimited []string
	exhausted   bool
	successes   map[string]int
	failures    map[string]int
}

func newMemPool(devices ...string) *memPool {
	return &memPool{
		devices:   devices,
		successes: make(map[string]int),
		failures:  make(map[string]int),
	}
}

func (p *memPool) Select(context.Context) (harvest.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhausted || len(p.devices) == 0 {
		return harvest.Device{}, harvest.ErrNoEligibleDevices
	}
	id := p.devices[p.next%len(p.devices)]
	p.next++
	return harvest.Device{ID: id, State: harvest.DeviceActive}, nil
}

func (p *memPool) MarkRateLimited(_ context.Context, deviceID string, signal harvest.Signal, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateLimited = append(p.rateLimited, deviceID+":"+string(signal))
	kept := p.devices[:0]
	for _, d := range p.devices {
		if d != deviceID {
			kept = append(kept, d)
		}
	}
	p.devices = kept
	p.next = 0
	return true, nil
}

func (p *memPool) RecordSuccess(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes[deviceID]++
	return nil
}

func (p *memPool) RecordFailure(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[deviceID]++
	return nil
}

// scriptedDownloader returns canned results keyed by source and quality, and
// records every attempt.
type scriptedDownloader struct {
	mu       sync.Mutex
	results  map[string]harvest.FetchResult
	fallback harvest.FetchResult
	attempts []harvest.FetchRequest
	block    bool
}

func (d *scriptedDownloader) Fetch(ctx context.Context, req harvest.FetchRequest) harvest.FetchResult {
	d.mu.Lock()
	d.attempts = append(d.attempts, req)
	block := d.block
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return harvest.FetchResult{Err: ctx.Err()}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if res, ok := d.results[req.SourceID+"@"+req.Quality]; ok {
		return res
	}
	if res, ok := d.results[req.SourceID]; ok {
		return res
	}
	if res, ok := d.results["device:"+req.DeviceID]; ok {
		return res
	}
	return d.fallback
}

func (d *scriptedDownloader) ListCollection(context.Context, string) ([]harvest.RemoteTrack, error) {
	return nil, nil
}

func (d *scriptedDownloader) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

type captureNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *captureNotifier) NotifyHarvested(_ context.Context, ids []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, ids...)
	return nil
}

func (n *captureNotifier) Close() error { return nil }

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

func newTestCoordinator(t *testing.T, store harvest.Store, pool DevicePool, dl harvest.Downloader, notifier harvest.Notifier, opts Options) *Coordinator {
	t.Helper()
	if opts.Concurrency == 0 {
		opts.Concurrency = 2
	}
	if len(opts.QualityLadder) == 0 {
		opts.QualityLadder = []string{"256k", "128k"}
	}
	if opts.LibraryDir == "" {
		opts.LibraryDir = t.TempDir()
	}
	if notifier == nil {
		notifier = mesh.NoopNotifier{}
	}
	return New(store, pool, dl, nil, nopArchiver{}, notifier, realClock{}, zap.NewNop(), opts)
}

type nopArchiver struct{}

func (nopArchiver) Archive(context.Context, string, []byte) error { return nil }

func units(ids ...string) []harvest.WorkUnit {
	out := make([]harvest.WorkUnit, 0, len(ids))
	for _, id := range ids {
		out = append(out, harvest.WorkUnit{SourceID: id, Title: "Artist - " + id})
	}
	return out
}

func TestRunHarvestsAllUnits(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a", "dev-b")
	dl := &scriptedDownloader{fallback: harvest.FetchResult{Bytes: 100}}
	notifier := &captureNotifier{}
	c := newTestCoordinator(t, store, pool, dl, notifier, Options{MaxRotations: 3})

	tally, err := c.Run(context.Background(), units("s1", "s2", "s3", "s4", "s5"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Succeeded: 5}, tally)
	require.Equal(t, 5, tally.Total())

	entry, ok := store.get("s3")
	require.True(t, ok)
	require.Equal(t, "256k", entry.Quality)
	require.Equal(t, "Artist", entry.Artist)

	require.Eventually(t, func() bool { return notifier.count() == 5 },
		time.Second, 10*time.Millisecond)
}

func TestRunCountsAlreadyPresent(t *testing.T) {
	store := newMemStore()
	store.entries["dup"] = harvest.CatalogueEntry{SourceID: "dup"}
	pool := newMemPool("dev-a")
	dl := &scriptedDownloader{fallback: harvest.FetchResult{Bytes: 1}}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{MaxRotations: 1})

	tally, err := c.Run(context.Background(), units("dup", "fresh"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Succeeded: 1, AlreadyPresent: 1}, tally)
}

func TestQualityFallbackStepsDownLadder(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a")
	dl := &scriptedDownloader{
		results: map[string]harvest.FetchResult{
			"s1@256k": {Err: errors.New("yt-dlp exited"), Output: "ERROR: Requested format is not available"},
			"s1@128k": {Bytes: 50},
		},
	}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{MaxRotations: 1})

	tally, err := c.Run(context.Background(), units("s1"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Succeeded: 1}, tally)

	entry, ok := store.get("s1")
	require.True(t, ok)
	require.Equal(t, "128k", entry.Quality)

	require.Equal(t, 2, dl.attemptCount())
	require.Equal(t, "256k", dl.attempts[0].Quality)
	require.Equal(t, "128k", dl.attempts[1].Quality)
}

func TestQualityLadderExhaustedIsPermanent(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a")
	dl := &scriptedDownloader{
		fallback: harvest.FetchResult{Err: errors.New("yt-dlp exited"), Output: "ERROR: Requested format is not available"},
	}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{MaxRotations: 1})

	tally, err := c.Run(context.Background(), units("s1"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{PermanentFailure: 1}, tally)
	require.Equal(t, 2, dl.attemptCount())
	require.Equal(t, 1, pool.failures["dev-a"])
}

func TestTransientRetriesExhaustBudget(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a")
	dl := &scriptedDownloader{
		fallback: harvest.FetchResult{Err: errors.New("yt-dlp exited"), Output: "ERROR: Connection timed out"},
	}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{MaxRotations: 1, TransientRetries: 2})

	tally, err := c.Run(context.Background(), units("s1"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{PermanentFailure: 1}, tally)
	// First attempt plus the two retries.
	require.Equal(t, 3, dl.attemptCount())
}

func TestTransientRetryStaysOnDevice(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a", "dev-b")
	dl := &scriptedDownloader{
		fallback: harvest.FetchResult{Err: errors.New("yt-dlp exited"), Output: "ERROR: Connection timed out"},
	}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{Concurrency: 1, MaxRotations: 1, TransientRetries: 2})

	tally, err := c.Run(context.Background(), units("s1"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{PermanentFailure: 1}, tally)
	require.Equal(t, 3, dl.attemptCount())
	for i, req := range dl.attempts {
		require.Equalf(t, "dev-a", req.DeviceID, "attempt %d switched devices", i)
	}
}

func TestRateLimitedRotatesToNextDevice(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a", "dev-b")
	dl := &scriptedDownloader{
		results: map[string]harvest.FetchResult{
			"device:dev-a": {Err: errors.New("yt-dlp exited"), Output: "ERROR: HTTP Error 429: Too Many Requests"},
		},
		fallback: harvest.FetchResult{Bytes: 10},
	}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{Concurrency: 1, MaxRotations: 3})

	tally, err := c.Run(context.Background(), units("s1"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Succeeded: 1}, tally)

	require.Equal(t, []string{"dev-a:http_429"}, pool.rateLimited)
	entry, _ := store.get("s1")
	require.Equal(t, "dev-b", entry.DeviceID)
}

func TestRotationBoundSkipsUnit(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a", "dev-b", "dev-c", "dev-d")
	dl := &scriptedDownloader{
		fallback: harvest.FetchResult{Err: errors.New("yt-dlp exited"), Output: "ERROR: HTTP Error 429: Too Many Requests"},
	}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{Concurrency: 1, MaxRotations: 2})

	tally, err := c.Run(context.Background(), units("s1"))
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Skipped: 1}, tally)
	// Initial attempt and one per allowed rotation.
	require.Equal(t, 3, dl.attemptCount())
}

func TestRunHaltsWhenPoolExhausted(t *testing.T) {
	store := newMemStore()
	pool := newMemPool()
	pool.exhausted = true
	dl := &scriptedDownloader{fallback: harvest.FetchResult{Bytes: 1}}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{MaxRotations: 1})

	tally, err := c.Run(context.Background(), units("s1", "s2", "s3"))
	require.ErrorIs(t, err, harvest.ErrNoEligibleDevices)
	require.Equal(t, 3, tally.Total())
	require.Equal(t, 3, tally.Skipped)
}

func TestRunHaltsOnStoreFailure(t *testing.T) {
	store := newMemStore()
	store.upsertErr = errors.New("disk full")
	pool := newMemPool("dev-a")
	dl := &scriptedDownloader{fallback: harvest.FetchResult{Bytes: 1}}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{Concurrency: 1, MaxRotations: 1})

	tally, err := c.Run(context.Background(), units("s1", "s2", "s3"))
	require.ErrorIs(t, err, store.upsertErr)
	require.Equal(t, 3, tally.Total())
	require.Zero(t, tally.Succeeded)
}

func TestRunStopsOnCancellation(t *testing.T) {
	store := newMemStore()
	pool := newMemPool("dev-a")
	dl := &scriptedDownloader{block: true}
	c := newTestCoordinator(t, store, pool, dl, nil, Options{Concurrency: 1, MaxRotations: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	tally, err := c.Run(ctx, units("s1", "s2", "s3"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, tally.Total())
	require.Zero(t, tally.Succeeded)
}

func TestRunWithRegistryRotatesAroundThrottledDevice(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "harvest.db"), sqlite.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := rotation.New(st, rotation.Policy{
		BaseCooldown:     time.Hour,
		MaxCooldown:      2 * time.Hour,
		Window:           time.Hour,
		DisableThreshold: 10,
	}, realClock{}, zap.NewNop())
	require.NoError(t, reg.Register(ctx, "dev-a", "alpha", harvest.RolePrimary))
	require.NoError(t, reg.Register(ctx, "dev-b", "beta", harvest.RoleSecondary))
	require.NoError(t, reg.Register(ctx, "dev-c", "gamma", harvest.RoleSecondary))
	require.NoError(t, reg.Disable(ctx, "dev-c"))

	dl := &scriptedDownloader{
		results: map[string]harvest.FetchResult{
			"device:dev-a": {Err: errors.New("yt-dlp exited"), Output: "ERROR: HTTP Error 429: Too Many Requests"},
		},
		fallback: harvest.FetchResult{Bytes: 10},
	}
	c := New(st, reg, dl, nil, nopArchiver{}, mesh.NoopNotifier{}, realClock{}, zap.NewNop(), Options{
		Concurrency:   2,
		QualityLadder: []string{"128k"},
		MaxRotations:  3,
		LibraryDir:    t.TempDir(),
	})

	tally, err := c.Run(ctx, units("s1", "s2", "s3", "s4", "s5"))
	require.NoError(t, err)
	require.Equal(t, 5, tally.Total())
	require.Equal(t, 5, tally.Succeeded)

	devA, err := st.GetDevice(ctx, "dev-a")
	require.NoError(t, err)
	require.Equal(t, harvest.DeviceCoolingDown, devA.State)

	for _, req := range dl.attempts {
		require.NotEqual(t, "dev-c", req.DeviceID)
	}

	entry, err := st.GetCatalogueEntry(ctx, "s3")
	require.NoError(t, err)
	require.Equal(t, "dev-b", entry.DeviceID)
}

func TestRunEmptyQueue(t *testing.T) {
	c := newTestCoordinator(t, newMemStore(), newMemPool("dev-a"), &scriptedDownloader{}, nil, Options{MaxRotations: 1})
	tally, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, tally.Total())
}
