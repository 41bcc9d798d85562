// Package metrics records verification and settlement outcomes.
package metrics

import "time"

// Event names recorded by the processor.
const (
	EventVerifyValid    = "verify_valid"
	EventVerifyInvalid  = "verify_invalid"
	EventSettleSuccess  = "settle_success"
	EventSettleFailure  = "settle_failure"
	EventSettleCacheHit = "settle_cache_hit"

	OpVerify = "verify"
	OpSettle = "settle"
)

// LabelNetwork is the only label the processor attaches.
const LabelNetwork = "network"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Network returns the label set for a payment on network.
func Network(network string) map[string]string {
	return map[string]string{LabelNetwork: network}
}

// NoopRecorder drops every observation.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
