// Package forward delivers approved signals to the external sink. One
// post per signal, bounded timeout, no retry: the outcome is final and
// the forwarding pool maps it to the signal's terminal status.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// OutcomeKind classifies a single forward attempt.
type OutcomeKind int

const (
	// OutcomeSuccess: sink accepted the payload (2xx).
	OutcomeSuccess OutcomeKind = iota

	// OutcomeHTTPError: sink responded with a non-2xx status.
	OutcomeHTTPError

	// OutcomeTimeout: the attempt exceeded its deadline.
	OutcomeTimeout

	// OutcomeGenericError: network or other failure before a response.
	OutcomeGenericError
)

// Outcome is the final result of one forward attempt.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Err        error
}

// Sink posts one payload and classifies the result. Implementations
// must honor the context deadline set by the caller.
type Sink interface {
	Post(ctx context.Context, payload []byte) Outcome
}

// DefaultTimeout bounds a single forward attempt.
const DefaultTimeout = 10 * time.Second

// HTTPSink posts payloads to a fixed URL as JSON.
type HTTPSink struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// HTTPSinkOptions contains configuration for creating an HTTPSink.
type HTTPSinkOptions struct {
	URL     string
	Timeout time.Duration // Default: DefaultTimeout
	Client  *http.Client  // Default: http.DefaultClient
}

// NewHTTPSink creates a new HTTPSink.
func NewHTTPSink(opts HTTPSinkOptions) *HTTPSink {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPSink{url: opts.URL, timeout: timeout, client: client}
}

// Compile-time interface check.
var _ Sink = (*HTTPSink)(nil)

// Post delivers one payload. The attempt is bounded by the sink timeout
// on top of any deadline already on ctx.
func (s *HTTPSink) Post(ctx context.Context, payload []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Kind: OutcomeGenericError, Err: fmt.Errorf("build forward request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return Outcome{Kind: OutcomeTimeout, Err: err}
		}
		return Outcome{Kind: OutcomeGenericError, Err: err}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Kind: OutcomeSuccess, StatusCode: resp.StatusCode}
	}
	return Outcome{
		Kind:       OutcomeHTTPError,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("sink responded %d", resp.StatusCode),
	}
}

// isTimeoutError reports whether the transport error is a deadline or
// timeout rather than a generic network failure.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
