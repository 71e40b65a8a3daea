package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaulthost/internal/conflict"
	"vaulthost/internal/fsutil"
	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
	"vaulthost/internal/store"
	"vaulthost/internal/watcher"
)

type Options struct {
	Store          *store.Store
	Hub            *hub.Hub
	Detector       *conflict.Detector
	Exclusions     []string
	DebounceWindow time.Duration
	MaxWatches     int
	Logger         *logging.Logger
	Registry       *metrics.Registry
}

// Engine owns every registered vault: its watch source, its debouncer and
// its hub topic. A vault is either fully live or fully torn down.
type Engine struct {
	mu     sync.Mutex
	vaults map[string]*liveVault
	closed bool

	store      *store.Store
	hub        *hub.Hub
	detector   *conflict.Detector
	exclusions fsutil.Exclusions
	window     time.Duration
	maxWatches int
	logger     *logging.Logger
	registry   *metrics.Registry
	ctx        context.Context
	cancel     context.CancelFunc
	newSource  func(string, watcher.SourceOptions) (*watcher.Source, error)
}

type liveVault struct {
	info      Vault
	source    *watcher.Source
	debouncer *watcher.Debouncer
	cancel    context.CancelFunc
	pumpDone  chan struct{}
}

func NewEngine(ctx context.Context, options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, errors.New("vault store is required")
	}
	if options.Hub == nil {
		return nil, errors.New("vault hub is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	detector := options.Detector
	if detector == nil {
		detector = conflict.NewDetector(conflict.Options{Logger: logger, Registry: registry})
	}
	names := options.Exclusions
	if names == nil {
		names = fsutil.DefaultExclusions
	}
	derived, cancel := context.WithCancel(ctx)
	return &Engine{
		vaults:     make(map[string]*liveVault),
		store:      options.Store,
		hub:        options.Hub,
		detector:   detector,
		exclusions: fsutil.NewExclusions(names),
		window:     options.DebounceWindow,
		maxWatches: options.MaxWatches,
		logger:     logger.Component("vault"),
		registry:   registry,
		ctx:        derived,
		cancel:     cancel,
		newSource:  watcher.NewSource,
	}, nil
}

// Load starts every stored vault. Vaults whose directory no longer exists are
// removed from the registry.
func (e *Engine) Load(ctx context.Context) error {
	records, err := e.store.ListVaults(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		info, statErr := os.Stat(record.Path)
		if statErr != nil || !info.IsDir() {
			e.logger.Warn("removing vault with missing directory", map[string]string{
				logging.FieldVaultID: record.ID,
				"path":               record.Path,
			})
			if err := e.store.DeleteVault(ctx, record.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			continue
		}
		if err := e.start(fromRecord(record)); err != nil {
			e.logger.Error("vault start failed", map[string]string{
				logging.FieldVaultID: record.ID,
				"path":               record.Path,
				"error":              err.Error(),
			})
		}
	}
	e.logger.Info("vaults loaded", map[string]string{
		"count": strconv.Itoa(len(e.List())),
	})
	return nil
}

// Register adds a vault rooted at path, creating the directory when missing.
func (e *Engine) Register(ctx context.Context, name, path string) (Vault, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Vault{}, fmt.Errorf("%w: vault path is required", fsutil.ErrInvalidPath)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Vault{}, fmt.Errorf("%w: %v", fsutil.ErrInvalidPath, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Vault{}, fmt.Errorf("create vault dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Vault{}, fmt.Errorf("resolve vault dir: %w", err)
	}
	if info, err := os.Stat(resolved); err != nil || !info.IsDir() {
		return Vault{}, fmt.Errorf("%w: %s is not a directory", fsutil.ErrInvalidPath, path)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = filepath.Base(resolved)
	}

	now := time.Now().UTC()
	record := store.VaultRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      resolved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateVault(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Vault{}, fmt.Errorf("%w: vault at %s", ErrExists, resolved)
		}
		return Vault{}, err
	}
	info := fromRecord(record)
	if err := e.start(info); err != nil {
		_ = e.store.DeleteVault(ctx, record.ID)
		return Vault{}, err
	}
	e.logger.Info("vault registered", map[string]string{
		logging.FieldVaultID: info.ID,
		"name":               info.Name,
		"path":               info.Path,
	})
	return e.Get(info.ID)
}

// Unregister tears the vault down, evicts its subscribers and deletes its
// registry row. Files on disk are left alone.
func (e *Engine) Unregister(ctx context.Context, id string) error {
	e.mu.Lock()
	live, ok := e.vaults[id]
	delete(e.vaults, id)
	count := len(e.vaults)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: vault %s", ErrNotFound, id)
	}
	e.registry.SetVaults(count)

	e.teardown(live)
	e.hub.CloseVault(id, "vault deleted")
	if err := e.store.DeleteVault(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	e.logger.Info("vault unregistered", map[string]string{logging.FieldVaultID: id})
	return nil
}

func (e *Engine) Get(id string) (Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, ok := e.vaults[id]
	if !ok {
		return Vault{}, fmt.Errorf("%w: vault %s", ErrNotFound, id)
	}
	return live.info, nil
}

func (e *Engine) List() []Vault {
	e.mu.Lock()
	vaults := make([]Vault, 0, len(e.vaults))
	for _, live := range e.vaults {
		vaults = append(vaults, live.info)
	}
	e.mu.Unlock()
	sort.Slice(vaults, func(i, j int) bool {
		left, right := strings.ToLower(vaults[i].Name), strings.ToLower(vaults[j].Name)
		if left != right {
			return left < right
		}
		return vaults[i].ID < vaults[j].ID
	})
	return vaults
}

// Close stops every vault without touching the registry.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	vaults := e.vaults
	e.vaults = make(map[string]*liveVault)
	e.mu.Unlock()

	e.cancel()
	for id, live := range vaults {
		e.teardown(live)
		e.hub.CloseVault(id, "server shutting down")
	}
	e.registry.SetVaults(0)
}

func (e *Engine) start(info Vault) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("vault engine closed")
	}
	if _, ok := e.vaults[info.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: vault %s", ErrExists, info.ID)
	}
	e.mu.Unlock()

	if err := e.hub.Open(info.ID); err != nil {
		return err
	}
	id := info.ID
	live := &liveVault{
		info:     info,
		pumpDone: make(chan struct{}),
	}
	live.info.Status = StatusActive
	live.debouncer = watcher.NewDebouncerWithRegistry(e.window, func(change watcher.ChangeEvent) {
		change.VaultID = id
		_ = e.hub.Publish(id, hub.FileChanged(change))
	}, e.registry)

	// OnFailure holds the live entry itself, so a failure reported before
	// the entry is registered still marks it.
	source, err := e.newSource(info.Path, watcher.SourceOptions{
		VaultID:    id,
		Exclusions: e.exclusions,
		MaxWatches: e.maxWatches,
		Logger:     e.logger,
		Registry:   e.registry,
		OnFailure: func(err error) {
			e.markUnavailable(live, err)
		},
	})
	if err != nil {
		live.debouncer.Stop()
		e.hub.CloseVault(id, "vault failed to start")
		return err
	}
	live.source = source

	ctx, cancel := context.WithCancel(e.ctx)
	live.cancel = cancel
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.abortStart(live, "vault engine closed")
		return errors.New("vault engine closed")
	}
	e.vaults[id] = live
	count := len(e.vaults)
	e.mu.Unlock()
	e.registry.SetVaults(count)

	if err := source.Start(ctx); err != nil {
		e.mu.Lock()
		if e.vaults[id] == live {
			delete(e.vaults, id)
		}
		count := len(e.vaults)
		e.mu.Unlock()
		e.registry.SetVaults(count)
		e.abortStart(live, "vault failed to start")
		return err
	}
	go func() {
		defer close(live.pumpDone)
		for event := range source.Events() {
			live.debouncer.Add(event)
		}
	}()
	return nil
}

// abortStart releases a vault whose source never started. pumpDone is closed
// here because no pump goroutine exists to close it.
func (e *Engine) abortStart(live *liveVault, reason string) {
	live.cancel()
	_ = live.source.Close()
	close(live.pumpDone)
	live.debouncer.Stop()
	e.hub.CloseVault(live.info.ID, reason)
}

func (e *Engine) teardown(live *liveVault) {
	live.cancel()
	_ = live.source.Close()
	<-live.pumpDone
	live.debouncer.Stop()
	e.registry.ForgetVault(live.info.ID)
}

// markUnavailable flags a vault whose source stopped for good and tells its
// subscribers once.
func (e *Engine) markUnavailable(live *liveVault, cause error) {
	e.mu.Lock()
	if live.info.Status == StatusUnavailable {
		e.mu.Unlock()
		return
	}
	live.info.Status = StatusUnavailable
	e.mu.Unlock()

	id := live.info.ID
	live.debouncer.Flush()
	e.logger.Error("vault unavailable", map[string]string{
		logging.FieldVaultID: id,
		"error":              cause.Error(),
	})
	_ = e.hub.Publish(id, hub.VaultUnavailable(id, cause.Error()))
}

func (e *Engine) activeVault(id string) (Vault, error) {
	info, err := e.Get(id)
	if err != nil {
		return Vault{}, err
	}
	if info.Status == StatusUnavailable {
		return Vault{}, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	return info, nil
}

func fromRecord(record store.VaultRecord) Vault {
	return Vault{
		ID:        record.ID,
		Name:      record.Name,
		Path:      record.Path,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		Status:    StatusActive,
	}
}
