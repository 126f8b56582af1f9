package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Reloadable watches a config file and its identity_dir for changes and
// atomically swaps the active Config, without tearing down an
// established connection: only the fields a running handshake actually
// reads live (IdentityDir's contents, TLS) are meant to move under a
// caller. Ported from the teacher's internal/config/reload.go, which
// watched a single file and swapped a *Config wholesale; generalised
// here to also watch IdentityDir, since that is the directory new
// identities get dropped into between connection attempts.
type Reloadable struct {
	path      string
	current   atomic.Value // *Config
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	reloading int32
}

// NewReloadable loads path and starts watching it (and, if set,
// IdentityDir) for changes.
func NewReloadable(path string) (*Reloadable, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &Reloadable{path: path, stopCh: make(chan struct{})}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	if cfg.IdentityDir != "" {
		if err := watcher.Add(cfg.IdentityDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch identity dir: %w", err)
		}
	}

	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Get returns the currently active configuration.
func (r *Reloadable) Get() *Config {
	return r.current.Load().(*Config)
}

// Watch registers a callback invoked (in its own goroutine) whenever
// Reload swaps in a new configuration.
func (r *Reloadable) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload forces a reload from disk, validating the transition before
// swapping.
func (r *Reloadable) Reload() error {
	if !atomic.CompareAndSwapInt32(&r.reloading, 0, 1) {
		return fmt.Errorf("reload already in progress")
	}
	defer atomic.StoreInt32(&r.reloading, 0)

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}
	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		go fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition rejects changes that would require tearing down an
// already-established connection rather than simply taking effect on
// the next handshake: the advertised protocol version and max_data are
// negotiated once per CNXN and cannot retroactively apply.
func validateTransition(old, new *Config) error {
	if old.AdvertisedVersion != new.AdvertisedVersion {
		return fmt.Errorf("advertised_version change requires a new connection: %s -> %s", old.AdvertisedVersion, new.AdvertisedVersion)
	}
	if old.AdvertisedMaxData != new.AdvertisedMaxData {
		return fmt.Errorf("advertised_max_data change requires a new connection: %d -> %d", old.AdvertisedMaxData, new.AdvertisedMaxData)
	}
	return nil
}

func (r *Reloadable) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := r.Reload(); err != nil {
					fmt.Fprintf(os.Stderr, "config reload failed: %v\n", err)
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the watcher.
func (r *Reloadable) Close() error {
	close(r.stopCh)
	return r.watcher.Close()
}
