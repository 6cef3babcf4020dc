package service

// CalculateDeltaEnergy computes incremental energy based on previous and current counter values.
// A counter that went backwards was reset, so everything it shows now was consumed since.
func CalculateDeltaEnergy(prev, current float64) float64 {
	if current < prev {
		return current
	}
	return current - prev
}
