package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"swarmq/internal/config"
	"swarmq/internal/hashing"
	"swarmq/internal/storage"
)

// Services are the collaborators of the Manager. Hasher is required; the
// others may be nil.
type Services struct {
	Fs           afero.Fs
	Hasher       HashService
	Connections  ConnectionService
	Scanner      ShareScanner
	Shared       SharedHashes
	Partial      PartialQuerier
	AutoPriority AutoPriorityPolicy
}

// Manager owns the download queue: the file index, the per-user dispatch
// structure and the bundles. All queue state is guarded by mu; file I/O and
// hashing run outside of it.
type Manager struct {
	config   *config.Config
	Logger   zerolog.Logger
	services Services
	files    *storage.FileStore
	store    *storage.QueueStore
	events   *EventBus

	mu        sync.RWMutex
	fileQueue *FileQueue
	userQueue *UserQueue
	bundles   map[BundleToken]*Bundle
	transfers map[string]*QueueItem
	finishing map[string]bool
	scanning  map[BundleToken]bool

	saveLimiter *rate.Limiter
	dirty       atomic.Bool
	rechecks    singleflight.Group
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// NewManager creates the manager and starts its background routines. The
// queue file is not loaded; call LoadQueue.
func NewManager(cfg *config.Config, log zerolog.Logger, svc Services) (*Manager, error) {
	if svc.Hasher == nil {
		return nil, errors.New("queue manager requires a hash service")
	}
	if svc.Fs == nil {
		svc.Fs = afero.NewOsFs()
	}
	if svc.AutoPriority == nil {
		svc.AutoPriority = DefaultAutoPriority
	}

	store, err := storage.NewQueueStore(svc.Fs, cfg.QueueFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue store: %w", err)
	}
	if err := svc.Fs.MkdirAll(cfg.TempDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:      cfg,
		Logger:      log,
		services:    svc,
		files:       storage.NewFileStore(svc.Fs),
		store:       store,
		events:      NewEventBus(),
		fileQueue:   NewFileQueue(),
		bundles:     make(map[BundleToken]*Bundle),
		transfers:   make(map[string]*QueueItem),
		finishing:   make(map[string]bool),
		scanning:    make(map[BundleToken]bool),
		saveLimiter: rate.NewLimiter(rate.Every(cfg.MinSaveInterval), 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.userQueue = NewUserQueue(m.bundleOf)

	m.startRoutine(m.saveRoutine)
	m.startRoutine(m.autoPriorityRoutine)
	m.startRoutine(m.partialQueryRoutine)
	m.startRoutine(m.finishRetryRoutine)
	if cfg.SourceCooldown > 0 {
		m.startRoutine(m.sourceCooldownRoutine)
	}

	return m, nil
}

// Close stops the routines, waits for background work and saves the queue.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		if m.dirty.Load() {
			err = m.SaveQueue()
		}
	})
	return err
}

// Events returns the bus on which queue changes are published.
func (m *Manager) Events() *EventBus {
	return m.events
}

func (m *Manager) startRoutine(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// goBackground runs fn unless the manager is closing.
func (m *Manager) goBackground(fn func()) bool {
	if m.ctx.Err() != nil {
		return false
	}
	m.startRoutine(fn)
	return true
}

func (m *Manager) bundleOf(token BundleToken) *Bundle {
	return m.bundles[token]
}

func (m *Manager) markDirty() {
	m.dirty.Store(true)
}

func newToken() string {
	return uuid.NewString()
}

func (m *Manager) allowOverlap() bool {
	return m.config.OverlapChunks
}

func (m *Manager) tempTarget(qi *QueueItem) string {
	name := filepath.Base(qi.target)
	id := qi.tth.String()
	if qi.tth.IsZero() {
		id = newToken()
	}
	return filepath.Join(m.config.TempDirectory, name+"."+id+".dctmp")
}

// resolvePriority maps PriorityDefault to Highest for small files and
// Normal otherwise.
func (m *Manager) resolvePriority(p Priority, size int64) Priority {
	if p != PriorityDefault {
		return p
	}
	if size >= 0 && size <= int64(m.config.SmallFileSize.Bytes()) {
		return PriorityHighest
	}
	return PriorityNormal
}

func (m *Manager) segmentsFor(size int64) int {
	if !m.config.SegmentedDownloads || size < int64(m.config.MinSegmentSize.Bytes()) {
		return 1
	}
	return m.config.MaxSegments
}

func validateTarget(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", queueErr(target, ErrInvalidTarget)
	}
	clean := filepath.Clean(target)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", queueErr(target, ErrInvalidTarget)
	}
	return clean, nil
}

func dirTarget(target string) (string, error) {
	clean, err := validateTarget(target)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(clean, string(filepath.Separator)) {
		clean += string(filepath.Separator)
	}
	return clean, nil
}

// findBundleLocked returns the deepest directory bundle containing target.
func (m *Manager) findBundleLocked(target string) *Bundle {
	var best *Bundle
	for _, b := range m.bundles {
		if b.fileBundle || !b.Contains(target) {
			continue
		}
		if best == nil || len(b.target) > len(best.target) {
			best = b
		}
	}
	return best
}

func (m *Manager) updateGauges() {
	queueBytesRemaining.Set(float64(m.fileQueue.TotalQueueSize()))
}

// Bundles returns snapshots of all bundles ordered by time added.
func (m *Manager) Bundles() []BundleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	out := make([]BundleInfo, 0, len(m.bundles))
	for _, b := range m.bundles {
		out = append(out, b.info(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Added.Equal(out[j].Added) {
			return out[i].Target < out[j].Target
		}
		return out[i].Added.Before(out[j].Added)
	})
	return out
}

func (m *Manager) Bundle(token BundleToken) (BundleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bundles[token]
	if !ok {
		return BundleInfo{}, false
	}
	return b.info(time.Now()), true
}

// Files returns snapshots of the items of a bundle, or of all items when
// token is empty.
func (m *Manager) Files(token BundleToken) ([]ItemInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*QueueItem
	if token == "" {
		items = m.fileQueue.Items()
	} else {
		b, ok := m.bundles[token]
		if !ok {
			return nil, queueErr(string(token), ErrNotFound)
		}
		items = b.Items()
		sortItems(items)
	}
	out := make([]ItemInfo, 0, len(items))
	for _, qi := range items {
		out = append(out, qi.info())
	}
	return out, nil
}

func (m *Manager) File(target string) (ItemInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	qi, ok := m.fileQueue.Find(target)
	if !ok {
		return ItemInfo{}, false
	}
	return qi.info(), true
}

// FindFiles returns the items downloading the given content.
func (m *Manager) FindFiles(tth hashing.Value) []ItemInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ItemInfo
	for _, qi := range m.fileQueue.FindTTH(tth) {
		out = append(out, qi.info())
	}
	return out
}

// TotalQueueSize is the number of bytes left to download.
func (m *Manager) TotalQueueSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fileQueue.TotalQueueSize()
}

// GetUnfinishedPaths lists the bundle directories and file bundle targets
// that have not been shared yet, for exclusion from share scans.
func (m *Manager) GetUnfinishedPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.bundles))
	for _, b := range m.bundles {
		if b.status != BundleShared {
			out = append(out, b.target)
		}
	}
	sort.Strings(out)
	return out
}
