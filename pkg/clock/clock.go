// Package clock provides the orchestrator's monotonic wall clock and
// identity minting (UUIDs for VMs/nodes, command ids). Centralizing it
// behind an interface lets tests substitute a fake clock without
// threading time.Now calls through every component.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the time/identity collaborator every component depends on
// instead of calling time.Now/uuid.New directly.
type Clock interface {
	Now() time.Time
	NewID() string
}

// System is the production Clock backed by the wall clock and uuid v4.
type System struct{}

// NewSystem returns the production Clock.
func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) NewID() string { return uuid.New().String() }
