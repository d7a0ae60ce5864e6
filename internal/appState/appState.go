package appState

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loomchat/loom/internal/config"
)

// App holds the global application state
type App struct {
	Config *config.ConfigSchema
	Logger zerolog.Logger
	closer io.Closer // For cleanup of resources like log files
}

// RuntimeOverrides are command-line level settings applied on top of the
// loaded configuration.
type RuntimeOverrides struct {
	LogLevel *string
	LogFile  *string
	Model    *string
}

var (
	globalApp *App
	initOnce  sync.Once
	initErr   error
	mu        sync.RWMutex
)

// Initialize creates the global app instance with the given overrides
func Initialize(overrides *RuntimeOverrides) error {
	initOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = fmt.Errorf("failed to load config: %w", err)
			return
		}

		if overrides != nil {
			if overrides.LogLevel != nil {
				cfg.Log.Level = strings.ToLower(*overrides.LogLevel)
			}
			if overrides.LogFile != nil {
				cfg.Log.File = *overrides.LogFile
			}
			if overrides.Model != nil {
				cfg.ActiveModel = *overrides.Model
			}
			if err := config.Validate(cfg); err != nil {
				initErr = err
				return
			}
		}

		logger, closer, err := setupLogger(cfg.Log)
		if err != nil {
			initErr = fmt.Errorf("failed to setup logger: %w", err)
			return
		}

		mu.Lock()
		globalApp = &App{
			Config: cfg,
			Logger: logger,
			closer: closer,
		}
		mu.Unlock()
	})
	return initErr
}

// Get returns the global app instance and panics if not initialized
func Get() *App {
	mu.RLock()
	defer mu.RUnlock()

	if globalApp == nil {
		panic("app not initialized")
	}
	return globalApp
}

// TryGet returns the global app instance and a boolean indicating if it's initialized
func TryGet() (*App, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return globalApp, globalApp != nil
}

// Cleanup performs cleanup of app resources
func Cleanup() error {
	mu.Lock()
	defer mu.Unlock()

	if globalApp != nil && globalApp.closer != nil {
		return globalApp.closer.Close()
	}
	return nil
}

func setupLogger(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.File == "" {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
		return logger, nil, nil
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := zerolog.New(file).Level(level).With().Timestamp().Logger()
	return logger, file, nil
}
