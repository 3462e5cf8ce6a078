// Package config implements the Config component (spec §4.9): YAML-backed
// runtime configuration, validated paths, atomic rename-on-write
// persistence, and a watcher that notifies callers of on-disk edits.
//
// Grounded on internal/config/config.go's Load/Save/EnsureFile/atomicWrite
// shape; the recognized keys themselves come from spec.md §6's
// Configuration table instead of the teacher's terminal-emulator settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20
	maxRenameRetry           = 10
	renameRetryBaseDelay     = 10 * time.Millisecond
)

var defaultConfigDirFn = defaultConfigDir

// StorageConfig gates which Remote Storage Client variants are reachable
// (spec §4.3, §6: "storage.filesystem[@allow]").
type StorageConfig struct {
	FilesystemAllow bool `yaml:"filesystem_allow" json:"filesystem_allow"`
}

// AdminConsoleConfig holds the Admin Channel's credentials, checked against
// the "auth <user> <password>" frame a console sends (spec §4.8, §6).
type AdminConsoleConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// SSLConfig holds the TLS material for the Dispatcher's listener (spec §6:
// "ssl.*").
type SSLConfig struct {
	Enable   bool   `yaml:"enable" json:"enable"`
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
}

// Config is coolwsd's runtime configuration (spec §6's Configuration table).
type Config struct {
	// NumPrespawnChildren is the Worker Pool's idle-worker target.
	NumPrespawnChildren int `yaml:"num_prespawn_children" json:"num_prespawn_children"`
	// TileCachePath is the Tile Cache's root directory.
	TileCachePath string `yaml:"tile_cache_path" json:"tile_cache_path"`
	// SysTemplatePath, LoTemplatePath, ChildRootPath, LoJailSubpath are jail
	// construction inputs consumed when staging a new worker's sandbox.
	SysTemplatePath string `yaml:"sys_template_path" json:"sys_template_path"`
	LoTemplatePath  string `yaml:"lo_template_path" json:"lo_template_path"`
	ChildRootPath   string `yaml:"child_root_path" json:"child_root_path"`
	LoJailSubpath   string `yaml:"lo_jail_subpath" json:"lo_jail_subpath"`

	// ForkerSocketPath is the Unix domain socket the core dials to reach
	// the forker's control channel (spec §4.4, §6's internal control
	// channels table).
	ForkerSocketPath string `yaml:"forker_socket_path" json:"forker_socket_path"`
	// ClientAddr and AdminAddr are the listen addresses for the
	// Dispatcher's and Admin Channel's HTTP servers respectively
	// (spec §4.7, §4.8).
	ClientAddr string `yaml:"client_addr" json:"client_addr"`
	AdminAddr  string `yaml:"admin_addr" json:"admin_addr"`
	HTTPAddr   string `yaml:"http_addr" json:"http_addr"`

	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	AdminConsole AdminConsoleConfig `yaml:"admin_console" json:"admin_console"`
	SSL          SSLConfig          `yaml:"ssl" json:"ssl"`

	// ChildTimeout bounds how long the Worker Pool waits for a spawned
	// worker to check in before giving up (spec §4.4).
	ChildTimeout time.Duration `yaml:"child_timeout" json:"child_timeout"`
	// IdleSaveDuration and AutoSaveDuration configure the Document Broker's
	// autoSave thresholds (spec §4.6).
	IdleSaveDuration time.Duration `yaml:"idle_save_duration" json:"idle_save_duration"`
	AutoSaveDuration time.Duration `yaml:"auto_save_duration" json:"auto_save_duration"`
}

// DefaultConfig returns values safe to run with out of the box: a small
// pre-spawn pool, cache/jail paths under the OS temp directory, and local
// filesystem documents disabled (spec §9: storage access is opt-in).
func DefaultConfig() Config {
	base := os.TempDir()
	return Config{
		NumPrespawnChildren: 2,
		TileCachePath:       filepath.Join(base, "coolwsd", "cache"),
		SysTemplatePath:     filepath.Join(base, "coolwsd", "systemplate"),
		LoTemplatePath:      filepath.Join(base, "coolwsd", "lotemplate"),
		ChildRootPath:       filepath.Join(base, "coolwsd", "jails"),
		LoJailSubpath:       "lo",
		ForkerSocketPath:    filepath.Join(base, "coolwsd", "forker.sock"),
		ClientAddr:          "127.0.0.1:9980",
		AdminAddr:           "127.0.0.1:9981",
		HTTPAddr:            "127.0.0.1:9982",
		Storage:             StorageConfig{FilesystemAllow: false},
		ChildTimeout:        10 * time.Second,
		IdleSaveDuration:    30 * time.Second,
		AutoSaveDuration:    5 * time.Minute,
	}
}

// DefaultPath resolves the config file path, preferring $XDG_CONFIG_HOME,
// falling back to ~/.config, and then os.TempDir() if the home directory
// cannot be resolved.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Warn("[CONFIG] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "coolwsd", "coolwsd.yaml")
}

// Load reads the config file at path. A missing file is not an error:
// defaults are returned so the server can start from a clean environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config: path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// EnsureFile loads path, writing the defaults to it first if it does not
// exist yet.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// applyDefaults fills any zero-valued field left unset by a partial config
// file, the same role the teacher's applyDefaultsAndValidate plays.
func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.NumPrespawnChildren <= 0 {
		cfg.NumPrespawnChildren = defaults.NumPrespawnChildren
	}
	if cfg.TileCachePath == "" {
		cfg.TileCachePath = defaults.TileCachePath
	}
	if cfg.ChildRootPath == "" {
		cfg.ChildRootPath = defaults.ChildRootPath
	}
	if cfg.LoJailSubpath == "" {
		cfg.LoJailSubpath = defaults.LoJailSubpath
	}
	if cfg.ForkerSocketPath == "" {
		cfg.ForkerSocketPath = defaults.ForkerSocketPath
	}
	if cfg.ClientAddr == "" {
		cfg.ClientAddr = defaults.ClientAddr
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = defaults.AdminAddr
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.ChildTimeout <= 0 {
		cfg.ChildTimeout = defaults.ChildTimeout
	}
	if cfg.IdleSaveDuration <= 0 {
		cfg.IdleSaveDuration = defaults.IdleSaveDuration
	}
	if cfg.AutoSaveDuration <= 0 {
		cfg.AutoSaveDuration = defaults.AutoSaveDuration
	}
}

// Save fills defaults and atomically writes cfg to path.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[CONFIG] config saved", "path", path)
	return cfg, nil
}

func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".coolwsd.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func validateConfigPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("config: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("config: resolve path: %w", err)
	}
	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	absExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	if !pathWithinDir(abs, absExpectedDir) {
		return "", fmt.Errorf("config: path outside config directory: %q", abs)
	}
	return abs, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

func pathWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config: file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func renameFileWithRetry(sourcePath, targetPath string) error {
	var lastErr error
	for attempt := 0; attempt < maxRenameRetry; attempt++ {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}

// Watcher reloads Config whenever the file at path changes on disk and
// delivers the new value to every registered callback.
type Watcher struct {
	path string

	mu        sync.Mutex
	current   Config
	listeners []func(Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchFile starts a Watcher over path, seeded with an initial Load.
// Callers must call Close to release the underlying fsnotify watcher.
func WatchFile(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch config dir: %w", err)
	}

	w := &Watcher{path: path, current: cfg, watcher: fw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnChange registers fn to be called, with the newly loaded Config, every
// time the watched file changes and reparses successfully.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("[CONFIG] reload failed, keeping previous config", "error", err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			listeners := append([]func(Config){}, w.listeners...)
			w.mu.Unlock()
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[CONFIG] watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases its fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
