package sync

// Observer receives instrumentation callbacks during a pull. An
// observer is passed per invocation; implementations must be safe for
// use from the calling goroutine only.
type Observer interface {
	// StrategySelected fires once per pull with the strategy chosen up
	// front.
	StrategySelected(collection string, strategy Strategy)
	// DeltaFallback fires when a delta fetch failed and the pull is
	// continuing with a full fetch in the same invocation.
	DeltaFallback(collection string, err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) StrategySelected(string, Strategy) {}
func (NopObserver) DeltaFallback(string, error)       {}
