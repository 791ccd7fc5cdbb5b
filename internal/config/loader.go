package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/af-corp/clawrouter/internal/router"
)

// Base names of the files read from the config directory. Each may carry a
// .yaml, .yml or .toml extension.
const (
	ProcessFile = "clawrouter"
	RoutingFile = "routing"
	ModelsFile  = "models"
)

var extensions = []string{".yaml", ".yml", ".toml"}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML or TOML file (chosen by extension), expands env vars,
// and decodes it over dest.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, dest); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return nil
}

// findFile returns the first existing base.{yaml,yml,toml} in dir, or "".
func findFile(dir, base string) (string, error) {
	for _, ext := range extensions {
		path := filepath.Join(dir, base+ext)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return "", nil
}

// loadOptional decodes base.* from dir over dest. A missing file leaves dest untouched.
func loadOptional(dir, base string, dest any) (string, error) {
	if dir == "" {
		return "", nil
	}
	path, err := findFile(dir, base)
	if err != nil || path == "" {
		return "", err
	}
	return path, LoadFile(path, dest)
}

// Snapshot is an immutable view of the hot-reloadable configuration. Each
// request reads one snapshot so a reload never splits a request across two
// routing configurations.
type Snapshot struct {
	Routing *router.RoutingConfig
	Catalog *ModelCatalog
	Pricing router.PricingTable
}

func newSnapshot(routing *router.RoutingConfig, catalog *ModelCatalog) *Snapshot {
	return &Snapshot{Routing: routing, Catalog: catalog, Pricing: catalog.Pricing()}
}

// StaticSnapshot wraps the given configuration without a loader.
func StaticSnapshot(routing *router.RoutingConfig, catalog *ModelCatalog) *Snapshot {
	return newSnapshot(routing, catalog)
}

// Loader manages configuration loading and hot-reload via fsnotify.
type Loader struct {
	configDir string
	logger    *slog.Logger

	cfg      *Config
	snapshot atomic.Pointer[Snapshot]

	mu       sync.Mutex
	watchers []func(*Snapshot)
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// Load reads the process config and the first routing snapshot. Missing files
// fall back to built-in defaults.
func (l *Loader) Load() error {
	cfg := DefaultConfig()
	path, err := loadOptional(l.configDir, ProcessFile, cfg)
	if err != nil {
		return fmt.Errorf("load process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid process config: %w", err)
	}

	snap, err := l.loadSnapshot()
	if err != nil {
		return err
	}

	l.cfg = cfg
	l.snapshot.Store(snap)

	l.logger.Info("configuration loaded",
		"dir", l.configDir,
		"process_file", path,
		"routing_version", snap.Routing.Version,
		"models", len(snap.Catalog.Models),
	)
	return nil
}

func (l *Loader) loadSnapshot() (*Snapshot, error) {
	routing := router.DefaultRoutingConfig()
	if _, err := loadOptional(l.configDir, RoutingFile, routing); err != nil {
		return nil, fmt.Errorf("load routing config: %w", err)
	}
	if err := routing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}

	catalog := DefaultCatalog()
	override := &ModelCatalog{}
	path, err := loadOptional(l.configDir, ModelsFile, override)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	if path != "" && len(override.Models) > 0 {
		catalog = override
	}
	return newSnapshot(routing, catalog), nil
}

func (l *Loader) Config() *Config {
	return l.cfg
}

// Snapshot returns the current routing configuration and catalog.
func (l *Loader) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// OnReload registers a callback that fires after a successful reload.
func (l *Loader) OnReload(fn func(*Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Reload re-reads the routing and catalog files. On error the previous
// snapshot stays active.
func (l *Loader) Reload() error {
	snap, err := l.loadSnapshot()
	if err != nil {
		return err
	}
	l.snapshot.Store(snap)

	l.mu.Lock()
	watchers := append([]func(*Snapshot){}, l.watchers...)
	l.mu.Unlock()
	for _, fn := range watchers {
		fn(snap)
	}
	return nil
}

// Watch reloads the routing and catalog files when they change, until ctx is done.
// Changes to the process file are logged and need a restart.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				switch configBase(event.Name) {
				case RoutingFile, ModelsFile:
					l.logger.Info("config file changed, reloading", "file", event.Name)
					if err := l.Reload(); err != nil {
						l.logger.Error("failed to reload config", "error", err)
					}
				case ProcessFile:
					l.logger.Warn("process config changed, restart to apply", "file", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}

func configBase(path string) string {
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range extensions {
		if ext == known {
			return strings.TrimSuffix(name, filepath.Ext(name))
		}
	}
	return ""
}
