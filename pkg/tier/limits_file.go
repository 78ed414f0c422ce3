package tier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileLimits is the YAML shape of one tier's limits. Durations use Go
// duration syntax ("30s", "15m").
type fileLimits struct {
	MaxConnections    int     `yaml:"max_connections"`
	MaxOpsPerSecond   int     `yaml:"max_ops_per_second"`
	OperationTimeout  string  `yaml:"operation_timeout"`
	IdleTimeout       string  `yaml:"idle_timeout"`
	QueueAdmission    bool    `yaml:"queue_admission"`
	MaxQueueDepth     int     `yaml:"max_queue_depth"`
	MaxQueueWait      string  `yaml:"max_queue_wait"`
	IncludedUnits     float64 `yaml:"included_units"`
	OverageRateMicros int64   `yaml:"overage_rate_micros"`
}

type fileLimitTable struct {
	Version string                `yaml:"version"`
	Levels  map[string]fileLimits `yaml:"levels"`
}

// LoadLimitTable parses a limit table from a YAML file.
func LoadLimitTable(path string) (*LimitTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file %s: %w", path, err)
	}
	var file fileLimitTable
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse limits file %s: %w", path, err)
	}

	table := &LimitTable{Version: file.Version, Levels: make(map[Level]Limits, len(file.Levels))}
	for name, fl := range file.Levels {
		level, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("limits file %s: %w", path, err)
		}
		limits, err := fl.toLimits(level)
		if err != nil {
			return nil, fmt.Errorf("limits file %s, level %s: %w", path, level, err)
		}
		table.Levels[level] = limits
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("limits file %s: %w", path, err)
	}
	return table, nil
}

func (fl fileLimits) toLimits(level Level) (Limits, error) {
	parse := func(s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		return time.ParseDuration(s)
	}
	opTimeout, err := parse(fl.OperationTimeout)
	if err != nil {
		return Limits{}, fmt.Errorf("bad operation_timeout: %w", err)
	}
	idle, err := parse(fl.IdleTimeout)
	if err != nil {
		return Limits{}, fmt.Errorf("bad idle_timeout: %w", err)
	}
	wait, err := parse(fl.MaxQueueWait)
	if err != nil {
		return Limits{}, fmt.Errorf("bad max_queue_wait: %w", err)
	}
	return Limits{
		Level:             level,
		MaxConnections:    fl.MaxConnections,
		MaxOpsPerSecond:   fl.MaxOpsPerSecond,
		OperationTimeout:  opTimeout,
		IdleTimeout:       idle,
		QueueAdmission:    fl.QueueAdmission,
		MaxQueueDepth:     fl.MaxQueueDepth,
		MaxQueueWait:      wait,
		IncludedUnits:     fl.IncludedUnits,
		OverageRateMicros: fl.OverageRateMicros,
	}, nil
}

// WatchLimitTable watches a limits file and publishes each valid new version
// to the registry. A file that fails to parse or validate is skipped; the
// previously published version stays in force.
func WatchLimitTable(ctx context.Context, path string, registry Registry, onPublish func(*LimitTable)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create limits watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch limits dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		var lastVersion string
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				table, err := LoadLimitTable(path)
				if err != nil {
					continue
				}
				if table.Version == lastVersion {
					continue
				}
				if err := registry.PublishLimitTable(ctx, table); err != nil {
					continue
				}
				lastVersion = table.Version
				if onPublish != nil {
					onPublish(table)
				}
			case <-watcher.Errors:
				// Watcher errors are transient; keep watching.
			}
		}
	}()
	return nil
}
