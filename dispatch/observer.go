package dispatch

import "time"

// Observer receives a notification for every logical request and for every
// classified retry cycle.
type Observer interface {
	// ObserveRequest is called once per Execute. status is 0 when no
	// response was received.
	ObserveRequest(method string, status int, duration time.Duration, attempts int)
	// ObserveRetry is called with the family name when a classified error
	// starts another cycle.
	ObserveRetry(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration, int) {}
func (nopObserver) ObserveRetry(string)                            {}
