package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/softban/internal/pkg/httpretry"
	"github.com/ignite/softban/internal/pkg/httputil"
	"github.com/ignite/softban/internal/pkg/logger"
	"github.com/ignite/softban/internal/service/softban"
)

const maxRelayBody = 1 << 20

// Relay forwards attempts to the external decision source and applies a
// block when the decision carries a configured rejection code.
type Relay struct {
	client      httpretry.HTTPDoer
	url         string
	codes       map[string]struct{}
	blocks      BlockChecker
	retryStatus bool
	now         func() time.Time
}

// NewRelay creates a relay to url. Any response whose JSON "code" field is
// in rejectionCodes blocks the actor.
func NewRelay(client httpretry.HTTPDoer, url string, rejectionCodes []string, blocks BlockChecker) *Relay {
	codes := make(map[string]struct{}, len(rejectionCodes))
	for _, c := range rejectionCodes {
		codes[strings.TrimSpace(c)] = struct{}{}
	}
	return &Relay{client: client, url: url, codes: codes, blocks: blocks, now: time.Now}
}

// WithStatusRetry lets the retry client repeat an attempt the decision source
// answered with 429 or 5xx, unless that answer already carries a rejection
// code. Off by default: only attempts that never left this process are
// retried.
func (rl *Relay) WithStatusRetry(on bool) *Relay {
	rl.retryStatus = on
	return rl
}

// attemptPolicy is the retry policy for one forwarded attempt.
func (rl *Relay) attemptPolicy() httpretry.Policy {
	return httpretry.Policy{
		RetryStatus: rl.retryStatus,
		Final: func(_ int, body []byte) bool {
			_, rejected := rl.rejectionCode(body)
			return rejected
		},
	}
}

// HandleAttempt handles POST /v1/attempts. It must run behind the guard.
func (rl *Relay) HandleAttempt(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		httputil.InternalError(w, fmt.Errorf("relay: no actor in context"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBody))
	if err != nil {
		httputil.BadRequest(w, "could not read request body")
		return
	}

	status, contentType, respBody, err := rl.forward(r.Context(), r, body)
	if err != nil {
		httputil.BadGateway(w, err)
		return
	}

	if code, rejected := rl.rejectionCode(respBody); rejected {
		cache, ok := softban.CacheFromContext(r.Context())
		if !ok {
			cache = softban.NewRequestCache()
		}
		until := rl.blocks.ApplyBlock(r.Context(), cache, actor.ID, "external rejection code "+code)
		logger.Info("relay: decision source rejected attempt", "actor", actor.ID, "code", code)
		httputil.TooManyRequests(w, "attempt rejected; temporarily blocked", until, rl.now())
		return
	}

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	w.Write(respBody)
}

func (rl *Relay) forward(ctx context.Context, in *http.Request, body []byte) (int, string, []byte, error) {
	ctx = httpretry.WithPolicy(ctx, rl.attemptPolicy())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rl.url, bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, fmt.Errorf("build decision request: %w", err)
	}
	if ct := in.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if id := middleware.GetReqID(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		return 0, "", nil, fmt.Errorf("decision request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
	if err != nil {
		return 0, "", nil, fmt.Errorf("read decision response: %w", err)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), respBody, nil
}

// rejectionCode extracts the "code" field, string or number, and reports
// whether it is a configured rejection code.
func (rl *Relay) rejectionCode(body []byte) (string, bool) {
	if len(rl.codes) == 0 {
		return "", false
	}
	var decision struct {
		Code json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(body, &decision); err != nil || len(decision.Code) == 0 {
		return "", false
	}

	code := string(decision.Code)
	var s string
	if err := json.Unmarshal(decision.Code, &s); err == nil {
		code = s
	}
	_, ok := rl.codes[code]
	return code, ok
}
