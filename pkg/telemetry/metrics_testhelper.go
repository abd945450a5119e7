package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	propagationCounter = nil
	propagationLatency = nil
	deliveryCounter = nil
	translationCounter = nil
	preservationHistogram = nil
	translationConflictCnt = nil
}
