package ports

// TokenEstimatorPort estimates how many model tokens a text occupies.
type TokenEstimatorPort interface {
	Estimate(text string) int
}
