package busphy

import "math/rand"

// DefaultEntropy is a math/rand-backed Entropy implementation suitable for
// CSMA back-off jitter, where cryptographic randomness is not required
// (spec.md §6, SPEC_FULL.md's domain-stack note on randomized back-off).
type DefaultEntropy struct {
	rnd *rand.Rand
}

// NewDefaultEntropy returns a DefaultEntropy seeded with seed. Two instances
// built from the same seed produce the same back-off sequence, which is
// useful for reproducing a collision scenario in tests.
func NewDefaultEntropy(seed int64) *DefaultEntropy {
	return &DefaultEntropy{rnd: rand.New(rand.NewSource(seed))}
}

func (e *DefaultEntropy) RandomBelow(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return uint32(e.rnd.Int63n(int64(n)))
}
