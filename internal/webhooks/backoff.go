package webhooks

import "time"

// RetryPolicy bounds the sends made for one delivery.
type RetryPolicy struct {
	MaxAttempts int           // total sends, including the first
	Base        time.Duration // wait after the first failure; doubles after each
	Jitter      float64       // extra random fraction of the wait, in [0,1]
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Second, Jitter: 0.2}
}

// Delay is the wait after the n-th failed send (n starts at 1). rnd returns
// a value in [0,1).
func (p RetryPolicy) Delay(n int, rnd func() float64) time.Duration {
	d := p.baseDelay(n)
	if p.Jitter > 0 && rnd != nil {
		d += time.Duration(float64(d) * p.Jitter * rnd())
	}
	return d
}

func (p RetryPolicy) baseDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	return p.Base * time.Duration(1<<(n-1))
}

// WorstCase is the longest one delivery can take: every send hits the
// timeout and every wait draws maximum jitter.
func (p RetryPolicy) WorstCase(timeout time.Duration) time.Duration {
	total := timeout * time.Duration(p.MaxAttempts)
	for n := 1; n < p.MaxAttempts; n++ {
		d := p.baseDelay(n)
		total += d + time.Duration(float64(d)*p.Jitter)
	}
	return total
}
