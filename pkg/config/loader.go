package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"

	"github.com/loomwork/conductor/pkg/logger"
)

// Load reads and validates a RuntimeConfig TOML file.
func Load(path string) (*RuntimeConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError("Load", "ReadFile", fmt.Sprintf("reading %s", path), err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, NewError("Load", "Decode", fmt.Sprintf("decoding %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgentConfig reads an AgentConfig from either TOML or JSON, chosen by
// the file extension. The file is first parsed into a generic
// map[string]any, then decoded into AgentConfig with decodeAgentConfig so
// a worker's tools.enabled field may be written either as the bare
// "__ALL__" sentinel string or as a list of tool names.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError("LoadAgentConfig", "ReadFile", fmt.Sprintf("reading %s", path), err)
	}

	var raw map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, NewError("LoadAgentConfig", "Unmarshal", fmt.Sprintf("parsing %s as JSON", path), err)
		}
	} else {
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, NewError("LoadAgentConfig", "Decode", fmt.Sprintf("parsing %s as TOML", path), err)
		}
	}

	var cfg AgentConfig
	if err := decodeAgentConfig(raw, &cfg); err != nil {
		return nil, NewError("LoadAgentConfig", "Decode", fmt.Sprintf("decoding %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorkerConfig reads a standalone subprocess worker's configuration
// document, JSON or TOML by extension, with the same weakly-typed decode
// LoadAgentConfig uses.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError("LoadWorkerConfig", "ReadFile", fmt.Sprintf("reading %s", path), err)
	}

	var raw map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, NewError("LoadWorkerConfig", "Unmarshal", fmt.Sprintf("parsing %s as JSON", path), err)
		}
	} else {
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, NewError("LoadWorkerConfig", "Decode", fmt.Sprintf("parsing %s as TOML", path), err)
		}
	}

	var cfg WorkerConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, NewError("LoadWorkerConfig", "Decode", "building decoder", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, NewError("LoadWorkerConfig", "Decode", fmt.Sprintf("decoding %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeAgentConfig decodes a generic document into cfg with
// mapstructure's WeaklyTypedInput permissive coercion.
// WeaklyTypedInput is what lets tools.enabled
// accept a bare string: a non-slice value decoding into a slice field is
// wrapped into a one-element slice, so `"tools":{"enabled":"__ALL__"}` and
// `"tools":{"enabled":["__ALL__"]}` decode identically.
func decodeAgentConfig(raw map[string]any, cfg *AgentConfig) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	return decoder.Decode(raw)
}

const debounceDelay = 100 * time.Millisecond

// Loader optionally watches a RuntimeConfig file for changes, re-validating
// on every write and invoking OnChange. The fsnotify watch is
// directory-level, debounced, and filtered to the one file of interest,
// since editors commonly replace files rather than write in place.
type Loader struct {
	path     string
	log      *slog.Logger
	OnChange func(*RuntimeConfig)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLoader constructs a Loader for path. Call Load for a one-shot read, or
// Watch to additionally re-load on file changes.
func NewLoader(path string, baseLogger *slog.Logger) *Loader {
	return &Loader{path: path, log: logger.With(baseLogger, logger.SubsystemConfig), stop: make(chan struct{})}
}

// Load reads and validates the config file once.
func (l *Loader) Load() (*RuntimeConfig, error) {
	return Load(l.path)
}

// Watch starts an fsnotify watch on the config file's directory and
// invokes l.OnChange with each successfully reloaded, re-validated config.
// Reload errors are logged and the previous config stays in effect.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	absPath, err := filepath.Abs(l.path)
	if err != nil {
		return NewError("Loader", "Watch", "resolving path", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewError("Loader", "Watch", "creating file watcher", err)
	}

	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return NewError("Loader", "Watch", fmt.Sprintf("watching directory %s", dir), err)
	}

	l.watcher = watcher
	go l.watchLoop(watcher, filepath.Base(absPath))
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, fileName string) {
	defer watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-l.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, l.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("config file watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.Load()
	if err != nil {
		l.log.Warn("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if l.OnChange != nil {
		l.OnChange(cfg)
	}
}

// Close stops a running watch.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}
