package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/admingate/internal/storage"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditLogHandler handles GET /api/v1/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Path:  q.Get("path"),
		Limit: defaultAuditLimit,
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxAuditLimit)
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit log")
		return
	}

	writeData(w, http.StatusOK, entries)
}
