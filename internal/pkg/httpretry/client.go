// Package httpretry wraps an HTTP client with bounded retries for calls to
// the external decision source.
//
// What may be retried is decided per request by a Policy carried in the
// request context. Requests without one get a policy derived from the method:
// idempotent methods retry on transient statuses and transport errors, while
// POST and PATCH are only retried when the connection failed before any byte
// of the request was written. A decision attempt is therefore never submitted
// to the upstream twice unless its policy asks for it.
package httpretry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/ignite/softban/internal/pkg/logger"
)

// MaxInspectBody bounds how much of a retryable response Policy.Final sees.
const MaxInspectBody = 64 << 10

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy controls which failures a single request may be retried on.
type Policy struct {
	// RetryStatus retries 429 and 5xx responses other than 501.
	RetryStatus bool
	// RetrySent retries transport errors raised after the request may have
	// reached the upstream. Dial failures are always retried.
	RetrySent bool
	// Final, when set, inspects a response RetryStatus would retry. Returning
	// true hands the response to the caller without further attempts.
	Final func(status int, body []byte) bool
}

// Idempotent is the policy for requests that are safe to repeat.
var Idempotent = Policy{RetryStatus: true, RetrySent: true}

type policyKey struct{}

// WithPolicy attaches p to ctx. Requests built from the returned context are
// retried according to p instead of their method.
func WithPolicy(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, policyKey{}, p)
}

func policyFor(req *http.Request) Policy {
	if p, ok := req.Context().Value(policyKey{}).(Policy); ok {
		return p
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return Idempotent
	}
	return Policy{}
}

// RetryClient wraps an HTTPDoer with policy-driven retries and jittered
// exponential backoff.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient wraps client, or a 10s-timeout http.Client when nil.
// maxRetries is the number of attempts after the first; zero disables retries.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// WithBackoff overrides the base and maximum retry delays.
func (rc *RetryClient) WithBackoff(base, max time.Duration) *RetryClient {
	if base > 0 {
		rc.baseDelay = base
	}
	if max > 0 {
		rc.maxDelay = max
	}
	return rc
}

// Do sends req, retrying as its Policy allows. The last response is always
// returned as-is so the caller can read its status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	policy := policyFor(req)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			if err := rc.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
		last := attempt >= rc.maxRetries

		resp, err := rc.client.Do(req)
		if err != nil {
			if last || ctx.Err() != nil || !(policy.RetrySent || notSent(err)) {
				return nil, err
			}
			rc.logRetry(req, attempt+1, err.Error())
			continue
		}

		if last || !policy.RetryStatus || !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if policy.Final != nil {
			final, err := inspect(resp, policy.Final)
			if err != nil {
				return nil, err
			}
			if final {
				return resp, nil
			}
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		rc.logRetry(req, attempt+1, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (rc *RetryClient) logRetry(req *http.Request, attempt int, cause string) {
	logger.Warn("httpretry: retrying request",
		"attempt", attempt, "max_retries", rc.maxRetries,
		"method", req.Method, "host", req.URL.Host, "path", req.URL.Path,
		"cause", cause)
}

func (rc *RetryClient) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rc.backoff(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff returns base*2^(attempt-1), capped at maxDelay, with equal jitter:
// half of it fixed and half random.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := rc.baseDelay << uint(attempt-1)
	if d <= 0 || d > rc.maxDelay {
		d = rc.maxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// rewind resets the request body before a repeat attempt.
func rewind(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return errors.New("httpretry: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: reset request body: %w", err)
	}
	req.Body = body
	return nil
}

// inspect shows final the first MaxInspectBody bytes of resp and puts them
// back in front of the unread remainder.
func inspect(resp *http.Response, final func(int, []byte) bool) (bool, error) {
	head, err := io.ReadAll(io.LimitReader(resp.Body, MaxInspectBody))
	if err != nil {
		resp.Body.Close()
		return false, fmt.Errorf("httpretry: read response: %w", err)
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
	return final(resp.StatusCode, head), nil
}

// notSent reports whether err happened while connecting, before any part of
// the request was written.
func notSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
