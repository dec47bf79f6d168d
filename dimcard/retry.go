package dimcard

import (
	"time"
)

// Bounded retry for raw transport operations. This is single-shot hardware
// on the user's desk, so retries are few and local; anything longer-lived
// surfaces as CardNotResponding and the user pulls the card.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

var DefaultRetry = RetryConfig{
	Attempts: 3,
	Delay:    50 * time.Millisecond,
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Attempts <= 0 {
		r.Attempts = DefaultRetry.Attempts
	}
	if r.Delay <= 0 {
		r.Delay = DefaultRetry.Delay
	}
	return r
}

// Run op up to Attempts times with a fixed delay between tries. The last
// failure comes back wrapped as CardNotResponding.
func (r RetryConfig) Do(op func() error) error {
	r = r.withDefaults()
	var err error
	for i := 0; i < r.Attempts; i++ {
		if i > 0 {
			time.Sleep(r.Delay)
		}
		err = op()
		if err == nil {
			return nil
		}
	}
	return &CardError{Kind: ErrCardNotResponding, Detail: "retries exhausted", Cause: err}
}
