package busphy

import "sync/atomic"

// activeBus is the process-wide slot described in spec.md §9: the
// capability callbacks are registered as plain closures over a *Bus at
// Start(), but some callers (notably a bare-metal interrupt vector table)
// need a single well-known place to recover "the running instance" without
// threading it through every layer. Start populates the slot; Stop clears
// it.
var activeBus atomic.Pointer[Bus]

// Active returns the most recently started Bus, or nil if none has been
// started or that Bus has since been stopped (even while an earlier-started
// Bus is still running).
func Active() *Bus {
	return activeBus.Load()
}
