package proxy

import "time"

// Class is the dispatcher-facing classification of one upstream attempt.
type Class int

const (
	// ClassSuccess — 2xx, or a stream that ended cleanly.
	ClassSuccess Class = iota

	// ClassModelMissing — the provider 404'd a model it claimed to serve.
	// Local filter + re-sync; not a breaker trip.
	ClassModelMissing

	// ClassQuota — 429 or a 4xx whose body matches a quota marker. Trips
	// the breaker; retryable on other providers.
	ClassQuota

	// ClassProviderFault — transport error, timeout, or 5xx. Trips the
	// breaker; retryable.
	ClassProviderFault

	// ClassClientError — any other 4xx. Surfaced to the caller verbatim;
	// never retried, never trips the breaker.
	ClassClientError

	// ClassCancelled — the downstream client went away mid-attempt. No
	// scorer or breaker update: the outcome says nothing about the provider.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassModelMissing:
		return "model_missing"
	case ClassQuota:
		return "quota"
	case ClassProviderFault:
		return "provider_fault"
	case ClassClientError:
		return "client_error"
	case ClassCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Retryable reports whether the dispatcher may move on to the next
// candidate after this outcome.
func (c Class) Retryable() bool {
	switch c {
	case ClassModelMissing, ClassQuota, ClassProviderFault:
		return true
	}
	return false
}

// QualifyingFailure reports whether this outcome trips the circuit breaker.
func (c Class) QualifyingFailure() bool {
	return c == ClassQuota || c == ClassProviderFault
}

// Result is one classified upstream attempt.
type Result struct {
	Class      Class
	ProviderID string

	// StatusCode and ContentType mirror the upstream response when one was
	// received; zero otherwise.
	StatusCode  int
	ContentType string

	// Body holds the buffered response for non-streaming successes and for
	// error responses (capped). Nil for streaming successes.
	Body []byte

	// Stream is the open upstream body for a streaming success. The caller
	// owns draining and closing it.
	Stream *StreamBody

	// FirstByte is the time until response headers arrived (streaming only).
	FirstByte time.Duration

	// Duration is the attempt's end-to-end latency. For streaming successes
	// it equals FirstByte and is not updated later; the caller measures the
	// time to last byte while draining Stream.
	Duration time.Duration

	ErrMessage string
}
