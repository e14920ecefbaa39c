package agent

import (
	"fmt"
	"sync"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
)

// Agent kinds selectable by template.
const (
	KindClaude = "claude"
	KindMock   = "mock"
)

// Factory builds a fresh driver for one session start.
type Factory func(cfg config.AgentConfig, log *logger.Logger) Driver

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes an agent kind available to templates. Later registrations
// replace earlier ones, which lets tests swap in scripted drivers.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// New builds a driver for the given kind. An empty kind selects claude.
func New(kind string, cfg config.AgentConfig, log *logger.Logger) (Driver, error) {
	if kind == "" {
		kind = KindClaude
	}
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(cfg, log), nil
}

func init() {
	Register(KindClaude, func(cfg config.AgentConfig, log *logger.Logger) Driver {
		return NewClaudeDriver(cfg, log)
	})
	Register(KindMock, func(cfg config.AgentConfig, log *logger.Logger) Driver {
		return NewMockDriver(log)
	})
}
