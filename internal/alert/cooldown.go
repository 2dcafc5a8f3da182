package alert

import (
	"context"
	"sync"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/clock"
)

// Cooldowns gates repeated firing of a rule for the same device.
// Acquire records a firing and returns true, or returns false while the
// previous firing is younger than cooldown.
type Cooldowns interface {
	Acquire(ctx context.Context, deviceID, rule string, cooldown time.Duration) (bool, error)
}

type cooldownKey struct {
	deviceID string
	rule     string
}

// MemoryCooldowns keeps last firing times in process memory
type MemoryCooldowns struct {
	clock clock.Clock

	mu   sync.Mutex
	last map[cooldownKey]time.Time
}

// NewMemoryCooldowns creates an in-memory cooldown table
func NewMemoryCooldowns(clk clock.Clock) *MemoryCooldowns {
	return &MemoryCooldowns{
		clock: clk,
		last:  make(map[cooldownKey]time.Time),
	}
}

// Acquire records a firing unless the pair is still cooling down
func (c *MemoryCooldowns) Acquire(ctx context.Context, deviceID, rule string, cooldown time.Duration) (bool, error) {
	now := c.clock.Now()
	key := cooldownKey{deviceID, rule}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[key]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	c.last[key] = now
	return true, nil
}
