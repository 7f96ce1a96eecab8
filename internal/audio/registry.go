package audio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/kevio/internal/config"
)

// SourceLoader builds a Source from the audio section of the config.
// Device backends that need cgo register themselves from their own package
// so builds without them stay pure Go.
type SourceLoader func(cfg config.AudioConfig, logger *slog.Logger) (Source, error)

var (
	sourcesMu sync.RWMutex
	sources   = map[string]SourceLoader{}
)

// RegisterSource makes a backend available under name. It panics on duplicates.
func RegisterSource(name string, loader SourceLoader) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	if _, dup := sources[name]; dup {
		panic("audio: RegisterSource called twice for " + name)
	}
	sources[name] = loader
}

// Sources lists the registered backend names.
func Sources() []string {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewSource builds the backend named by cfg.Mode.
func NewSource(cfg config.AudioConfig, logger *slog.Logger) (Source, error) {
	sourcesMu.RLock()
	loader, ok := sources[cfg.Mode]
	sourcesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("audio source %q is not available in this build", cfg.Mode)
	}
	return loader(cfg, logger)
}

func init() {
	RegisterSource("file", func(cfg config.AudioConfig, logger *slog.Logger) (Source, error) {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("audio.file_path is required for file mode")
		}
		return &WAVSource{
			Path:     cfg.FilePath,
			Capacity: cfg.QueueCapacity,
			Realtime: true,
			Options:  []StreamOption{WithLogger(logger)},
		}, nil
	})
}
