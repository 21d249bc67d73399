package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/softban/internal/service/softban"
)

func decisionServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		payload, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"amount":10}`, string(payload))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRelay_RejectionCodeAppliesBlock(t *testing.T) {
	srv, calls := decisionServer(t, http.StatusOK, `{"code":"REJECT_5","message":"declined"}`)
	env := setupTestEnv(t, envOptions{decisionURL: srv.URL, codes: []string{"REJECT_5"}})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	stored, err := env.store.Get(context.Background(), "cust1")
	require.NoError(t, err)
	assert.Equal(t, "external rejection code REJECT_5", stored.Reason)

	// Subsequent attempts are stopped by the guard without reaching upstream.
	rec = env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

// scriptedDecisionServer answers the n-th call with replies[n], repeating the
// last reply once the list runs out.
func scriptedDecisionServer(t *testing.T, replies ...decisionReply) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(replies) {
			n = len(replies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(replies[n].status)
		io.WriteString(w, replies[n].body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type decisionReply struct {
	status int
	body   string
}

func TestRelay_RejectionWithRetryableStatusForwardedOnce(t *testing.T) {
	for _, tc := range []struct {
		name        string
		status      int
		retryStatus bool
	}{
		{"429", http.StatusTooManyRequests, false},
		{"503", http.StatusServiceUnavailable, false},
		{"429 with status retry", http.StatusTooManyRequests, true},
		{"503 with status retry", http.StatusServiceUnavailable, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, calls := scriptedDecisionServer(t, decisionReply{tc.status, `{"code":"REJECT_5"}`})
			env := setupTestEnv(t, envOptions{
				decisionURL: srv.URL, codes: []string{"REJECT_5"},
				maxRetries: 3, retryStatus: tc.retryStatus,
			})

			rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, int32(1), atomic.LoadInt32(calls), "rejected attempt reached the decision source more than once")

			stored, err := env.store.Get(context.Background(), "cust1")
			require.NoError(t, err)
			assert.Equal(t, "external rejection code REJECT_5", stored.Reason)
		})
	}
}

func TestRelay_BusyUpstreamNotResubmittedByDefault(t *testing.T) {
	srv, calls := scriptedDecisionServer(t,
		decisionReply{http.StatusServiceUnavailable, `{"code":"BUSY"}`},
		decisionReply{http.StatusOK, `{"code":"APPROVED"}`},
	)
	env := setupTestEnv(t, envOptions{decisionURL: srv.URL, codes: []string{"REJECT_5"}, maxRetries: 3})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestRelay_StatusRetryOptIn(t *testing.T) {
	srv, calls := scriptedDecisionServer(t,
		decisionReply{http.StatusServiceUnavailable, `{"code":"BUSY"}`},
		decisionReply{http.StatusTooManyRequests, `{"code":"REJECT_5"}`},
		decisionReply{http.StatusOK, `{"code":"APPROVED"}`},
	)
	env := setupTestEnv(t, envOptions{
		decisionURL: srv.URL, codes: []string{"REJECT_5"},
		maxRetries: 3, retryStatus: true,
	})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls), "busy answer retried, rejection ends the attempt")
	assert.True(t, env.manager.IsBlocked(context.Background(), softban.NewRequestCache(), "cust1"))
}

func TestRelay_NumericRejectionCode(t *testing.T) {
	srv, _ := decisionServer(t, http.StatusPaymentRequired, `{"code":5}`)
	env := setupTestEnv(t, envOptions{decisionURL: srv.URL, codes: []string{"5"}})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.True(t, env.manager.IsBlocked(context.Background(), softban.NewRequestCache(), "cust1"))
}

func TestRelay_PassesThroughOtherResponses(t *testing.T) {
	srv, _ := decisionServer(t, http.StatusPaymentRequired, `{"code":"INSUFFICIENT_FUNDS"}`)
	env := setupTestEnv(t, envOptions{decisionURL: srv.URL, codes: []string{"REJECT_5"}})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"code":"INSUFFICIENT_FUNDS"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.False(t, env.manager.IsBlocked(context.Background(), softban.NewRequestCache(), "cust1"))
}

func TestRelay_NonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()
	env := setupTestEnv(t, envOptions{decisionURL: srv.URL, codes: []string{"REJECT_5"}})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRelay_UpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	env := setupTestEnv(t, envOptions{decisionURL: url, codes: []string{"REJECT_5"}})

	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, env.manager.IsBlocked(context.Background(), softban.NewRequestCache(), "cust1"))
}

func TestRelay_NotMountedWithoutURL(t *testing.T) {
	env := setupTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodPost, "/v1/attempts", "cust1", `{"amount":10}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelay_RequiresActor(t *testing.T) {
	rl := NewRelay(http.DefaultClient, "http://example.invalid", nil, nil)
	rec := httptest.NewRecorder()
	rl.HandleAttempt(rec, httptest.NewRequest(http.MethodPost, "/v1/attempts", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
