package metrics

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopCounter returns a Counter that discards everything.
func NopCounter() Counter { return nopCounter{} }

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
