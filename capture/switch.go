package capture

import (
	"go.uber.org/atomic"
)

// Switch is a scoped, process-wide toggle that suspends change capture and
// live replication. Disable returns a release func that must be called on all
// exit paths; nested disables are counted, capture resumes only after the
// outermost release.
type Switch struct {
	disabled atomic.Int32
}

// NewSwitch returns an enabled Switch.
func NewSwitch() *Switch {
	return &Switch{}
}

// Enabled reports whether capture is currently active.
func (s *Switch) Enabled() bool {
	return s.disabled.Load() == 0
}

// Disable suspends capture and returns the release func. The release is
// idempotent so a deferred call after an explicit one does no harm.
func (s *Switch) Disable() (release func()) {
	s.disabled.Inc()

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			s.disabled.Dec()
		}
	}
}
