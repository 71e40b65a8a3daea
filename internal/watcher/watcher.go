package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"vaulthost/internal/fsutil"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

const (
	defaultMaxWatches    = 8192
	defaultRestartDelay  = 250 * time.Millisecond
	defaultMaxRestarts   = 3
	restartStableFactor  = 8
	defaultRenameWindow  = time.Second
	defaultEventBuffer   = 256
	forwardBufferSize    = 64
	forwardErrBufferSize = 4
)

// SourceOptions controls a Source.
type SourceOptions struct {
	VaultID      string
	Exclusions   fsutil.Exclusions
	MaxWatches   int
	RestartDelay time.Duration
	MaxRestarts  int
	RenameWindow time.Duration
	EventBuffer  int
	Logger       *logging.Logger
	Registry     *metrics.Registry
	// OnFailure is called once, on its own goroutine, when the source stops
	// for good. The error wraps ErrRootGone or ErrRestartsExhausted.
	OnFailure func(error)
}

// Stats reports current source counters.
type Stats struct {
	ActiveWatches   int
	TrackedEntries  int
	EventsEmitted   uint64
	RestartAttempts uint64
	Errors          uint64
}

type trackedEntry struct {
	identity Identity
	isDir    bool
}

type renameRecord struct {
	path string
	at   time.Time
}

// Source watches one root recursively and emits RawEvents on Events().
// All watch state is owned by the run goroutine.
type Source struct {
	root       string
	options    SourceOptions
	logger     *logging.Logger
	registry   *metrics.Registry
	newWatcher func() (*fsnotify.Watcher, error)

	watcher       *fsnotify.Watcher
	watches       map[string]struct{}
	index         map[string]trackedEntry
	renamesByID   map[Identity]renameRecord
	renamesNoID   []renameRecord
	restartPolicy backoff.BackOff
	restartTimer  *time.Timer
	lastRestart   time.Time
	restarting    bool
	failed        bool

	fsEvents  chan fsnotify.Event
	fsErrors  chan error
	restartCh chan struct{}
	out       chan RawEvent
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	watcherMu sync.Mutex

	activeWatches atomic.Int64
	tracked       atomic.Int64
	emitted       atomic.Uint64
	restarts      atomic.Uint64
	errorCount    atomic.Uint64
}

func NewSource(root string, options SourceOptions) (*Source, error) {
	if root == "" {
		return nil, errors.New("watch root is required")
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootGone, err)
	}
	realRoot, err = filepath.Abs(realRoot)
	if err != nil {
		return nil, err
	}
	if options.MaxWatches <= 0 {
		options.MaxWatches = defaultMaxWatches
	}
	if options.RestartDelay <= 0 {
		options.RestartDelay = defaultRestartDelay
	}
	if options.MaxRestarts <= 0 {
		options.MaxRestarts = defaultMaxRestarts
	}
	if options.RenameWindow <= 0 {
		options.RenameWindow = defaultRenameWindow
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	return &Source{
		root:          realRoot,
		options:       options,
		logger:        logger.Component("watcher").Vault(options.VaultID),
		registry:      registry,
		newWatcher:    fsnotify.NewWatcher,
		watches:       make(map[string]struct{}),
		index:         make(map[string]trackedEntry),
		renamesByID:   make(map[Identity]renameRecord),
		restartPolicy: backoff.WithMaxRetries(backoff.NewConstantBackOff(options.RestartDelay), uint64(options.MaxRestarts)),
		fsEvents:      make(chan fsnotify.Event, forwardBufferSize),
		fsErrors:      make(chan error, forwardErrBufferSize),
		restartCh:     make(chan struct{}, 1),
		out:           make(chan RawEvent, options.EventBuffer),
		done:          make(chan struct{}),
	}, nil
}

// Root is the resolved absolute root being watched.
func (source *Source) Root() string {
	return source.root
}

// Events is closed once the source stops.
func (source *Source) Events() <-chan RawEvent {
	return source.out
}

// Start installs the watches and begins emitting. Entries present at start
// are indexed without producing events. Cancelling ctx closes the source.
func (source *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := false
	var startErr error
	source.startOnce.Do(func() {
		started = true
		startErr = source.start(ctx)
	})
	if !started {
		return errors.New("watch source already started")
	}
	return startErr
}

func (source *Source) start(ctx context.Context) error {
	if _, err := os.Stat(source.root); err != nil {
		return fmt.Errorf("%w: %v", ErrRootGone, err)
	}
	fsWatcher, err := source.newWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	source.setWatcher(fsWatcher)
	if err := source.addWatch(source.root); err != nil {
		_ = fsWatcher.Close()
		return fmt.Errorf("watch root: %w", err)
	}
	source.walkTree(source.root, false)
	source.startForwarder(fsWatcher)
	source.logger.Info("watch source started", map[string]string{
		"root":           source.root,
		"active_watches": strconv.Itoa(len(source.watches)),
	})

	source.wg.Add(1)
	go source.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = source.Close()
		case <-source.done:
		}
	}()

	return nil
}

// Close stops the source and waits for the run loop to exit.
func (source *Source) Close() error {
	if source == nil {
		return nil
	}
	var err error
	source.closeOnce.Do(func() {
		close(source.done)
		err = source.closeWatcher()
	})
	source.wg.Wait()
	return err
}

func (source *Source) Stats() Stats {
	return Stats{
		ActiveWatches:   int(source.activeWatches.Load()),
		TrackedEntries:  int(source.tracked.Load()),
		EventsEmitted:   source.emitted.Load(),
		RestartAttempts: source.restarts.Load(),
		Errors:          source.errorCount.Load(),
	}
}

func (source *Source) run() {
	defer source.wg.Done()
	defer close(source.out)
	defer source.stopRestartTimer()

	for !source.failed {
		select {
		case event := <-source.fsEvents:
			source.handleEvent(event)
		case err := <-source.fsErrors:
			source.handleError(err)
		case <-source.restartCh:
			source.performRestart()
		case <-source.done:
			return
		}
	}
}

func (source *Source) startForwarder(fsWatcher *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				select {
				case source.fsEvents <- event:
				case <-source.done:
					return
				}
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				select {
				case source.fsErrors <- err:
				case <-source.done:
					return
				}
			case <-source.done:
				return
			}
		}
	}()
}

func (source *Source) emit(event RawEvent) {
	select {
	case source.out <- event:
		source.emitted.Add(1)
	case <-source.done:
	}
}

// fail stops the source for good and reports err once.
func (source *Source) fail(err error) {
	if source.failed {
		return
	}
	source.failed = true
	reason := "restarts_exhausted"
	if errors.Is(err, ErrRootGone) {
		reason = "root_gone"
	}
	source.registry.IncWatcherFailure(reason)
	source.logger.Error("watch source failed", map[string]string{
		"root":  source.root,
		"error": err.Error(),
	})
	_ = source.closeWatcher()
	if source.options.OnFailure != nil {
		go source.options.OnFailure(err)
	}
}

func (source *Source) setWatcher(fsWatcher *fsnotify.Watcher) *fsnotify.Watcher {
	source.watcherMu.Lock()
	defer source.watcherMu.Unlock()
	previous := source.watcher
	source.watcher = fsWatcher
	return previous
}

func (source *Source) currentWatcher() *fsnotify.Watcher {
	source.watcherMu.Lock()
	defer source.watcherMu.Unlock()
	return source.watcher
}

func (source *Source) closeWatcher() error {
	previous := source.setWatcher(nil)
	if previous == nil {
		return nil
	}
	return previous.Close()
}
