// Package metrics holds the instrumentation contracts used by the core. A
// backend (Prometheus, or nothing at all) is plugged in from the outside so
// the core never depends on one.
package metrics

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Timer measures the duration of one operation. Call ObserveDuration when
// the operation completes.
type Timer interface {
	ObserveDuration()
}

// Time runs fn and records its duration on t, whatever fn returns.
func Time(t Timer, fn func() error) error {
	defer t.ObserveDuration()
	return fn()
}
