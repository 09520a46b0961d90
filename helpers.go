package busphy

import "golang.org/x/exp/constraints"

// constrain bounds value to [min, max]. Used to floor the randomized TX
// back-off at MinInterFrameSpacing (see handleTxComplete) so a short jitter
// draw never violates the minimum idle-high gap between two packets.
func constrain[T constraints.Ordered](value, min, max T) T {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
