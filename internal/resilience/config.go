package resilience

import "time"

// Settings holds the raw resilience values as they appear in configuration.
// Zero fields fall back to the package defaults.
type Settings struct {
	MaxAttempts      int
	InitialBackoffMs int
	MaxBackoffMs     int
	FailureThreshold int
	ResetTimeoutSecs int
}

// Retry returns the in-call retry policy for provider requests.
func (s Settings) Retry() RetryConfig {
	rc := DefaultRetryConfig()
	if s.MaxAttempts > 0 {
		rc.MaxAttempts = s.MaxAttempts
	}
	rc.InitialBackoff = millis(s.InitialBackoffMs, rc.InitialBackoff)
	rc.MaxBackoff = millis(s.MaxBackoffMs, rc.MaxBackoff)
	if rc.MaxBackoff < rc.InitialBackoff {
		rc.MaxBackoff = rc.InitialBackoff
	}
	return rc
}

// Breakers returns a breaker set shared by every provider client.
func (s Settings) Breakers() *BreakerSet {
	cc := DefaultCircuitBreakerConfig()
	if s.FailureThreshold > 0 {
		cc.FailureThreshold = s.FailureThreshold
	}
	if s.ResetTimeoutSecs > 0 {
		cc.ResetTimeout = time.Duration(s.ResetTimeoutSecs) * time.Second
	}
	return NewBreakerSet(cc)
}

func millis(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
