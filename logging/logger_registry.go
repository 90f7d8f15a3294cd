package logging

import (
	"regexp"
	"sync"
)

var globalLoggerRegistry = newRegistry()

type levelPattern struct {
	matcher *regexp.Regexp
	level   Level
}

// Registry tracks named loggers so their levels can be changed by pattern at runtime.
type Registry struct {
	mu       sync.Mutex
	loggers  map[string]Logger
	patterns []levelPattern
}

func newRegistry() *Registry {
	return &Registry{loggers: make(map[string]Logger)}
}

// Register adds a logger to the process-wide registry and returns the logger registered under
// its name, which is `logger` unless another one got there first. Levels from the current
// patterns apply immediately.
func Register(logger Logger) Logger {
	return globalLoggerRegistry.register(logger)
}

// UpdateLevels applies pattern levels to every logger in the process-wide registry.
func UpdateLevels(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	return globalLoggerRegistry.Update(logConfig, errorLogger)
}

func (lr *Registry) register(logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	name := logger.Name()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}
	lr.loggers[name] = logger
	if level, ok := lr.levelForLocked(name); ok {
		logger.SetLevel(level)
	}
	return logger
}

// must be called with lr.mu held. The last matching pattern wins.
func (lr *Registry) levelForLocked(name string) (Level, bool) {
	for i := len(lr.patterns) - 1; i >= 0; i-- {
		if lr.patterns[i].matcher.MatchString(name) {
			return lr.patterns[i].level, true
		}
	}
	return INFO, false
}

// Update replaces the patterns. Invalid patterns are reported to `errorLogger` and skipped; an
// unknown level is an error and leaves every level as it was. Registered loggers that no pattern
// matches are reset to INFO.
func (lr *Registry) Update(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	patterns := make([]levelPattern, 0, len(logConfig))
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			errorLogger.Warnw("failed to validate a pattern", "pattern", lpc.Pattern)
			continue
		}
		level, err := LevelFromString(lpc.Level)
		if err != nil {
			return err
		}
		patterns = append(patterns, levelPattern{
			matcher: regexp.MustCompile(buildRegexFromPattern(lpc.Pattern)),
			level:   level,
		})
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.patterns = patterns
	for name, logger := range lr.loggers {
		level, _ := lr.levelForLocked(name)
		logger.SetLevel(level)
	}
	return nil
}
