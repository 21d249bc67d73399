package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/pkg/httputil"
	"github.com/ignite/softban/internal/service/softban"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// AdminHandler serves read-only inspection of durable block records. It never
// mutates the store, so listing does not trigger lazy cleanup.
type AdminHandler struct {
	records softban.Reader
	now     func() time.Time
}

// NewAdminHandler creates the inspection handler.
func NewAdminHandler(records softban.Reader) *AdminHandler {
	return &AdminHandler{records: records, now: time.Now}
}

// blockView is a record annotated with whether it is currently in force.
type blockView struct {
	domain.BlockRecord
	Active bool `json:"active"`
}

type blockList struct {
	Blocks []blockView `json:"blocks"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ListBlocks handles GET /admin/blocks?active=&reason=&limit=&offset=
func (h *AdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := h.now()

	f := softban.ListFilter{Reason: q.Get("reason"), Limit: defaultPageSize}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			httputil.BadRequest(w, "active must be a boolean")
			return
		}
		if active {
			f.ActiveAt = now
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	recs, total, err := h.records.List(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := blockList{Blocks: make([]blockView, 0, len(recs)), Total: total, Limit: f.Limit, Offset: f.Offset}
	for _, rec := range recs {
		out.Blocks = append(out.Blocks, blockView{BlockRecord: rec, Active: rec.ActiveAt(now)})
	}
	httputil.OK(w, out)
}

// GetBlock handles GET /admin/blocks/{id}
func (h *AdminHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, blockView{BlockRecord: *rec, Active: rec.ActiveAt(h.now())})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, softban.ErrNotFound):
		httputil.NotFound(w, "block not found")
	case errors.Is(err, softban.ErrMalformedRecord):
		httputil.Error(w, http.StatusUnprocessableEntity, "stored block record is malformed")
	case errors.Is(err, softban.ErrStoreUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "block store unavailable")
	default:
		httputil.InternalError(w, err)
	}
}
