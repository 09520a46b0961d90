package busphy

import "sync"

// criticalSection models the interrupt-masking critical section spec.md §9
// calls for around the ring queues' head/tail read-modify-write pairs. On
// real silicon this would disable and re-enable the relevant IRQ; hosted on
// an OS scheduler, a mutex gives the same mutual-exclusion guarantee against
// the capability callbacks, which may run from separate goroutines the way
// real interrupt handlers would.
type criticalSection struct {
	mu sync.Mutex
}

func (c *criticalSection) enter() { c.mu.Lock() }
func (c *criticalSection) exit()  { c.mu.Unlock() }
