package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/httq/internal/audit"
)

// auditChanSize is the buffer size for the async audit channel.
// Entries beyond this are dropped (best-effort) to avoid back-pressure on requests.
const auditChanSize = 256

// auditLog enqueues an exchange for asynchronous write (best-effort).
// If the channel is full the entry is dropped and a warning is logged.
func (s *Server) auditLog(entry *audit.Exchange) {
	if s.auditCh == nil {
		return
	}

	select {
	case s.auditCh <- entry:
	default:
		s.auditDropped.Add(1)
		s.logger.Warn("audit channel full, dropping exchange",
			"mode", entry.Mode,
			"outcome", entry.Outcome,
		)
	}
}

// drainAuditLog reads entries from the audit channel and writes them serially.
// It runs until the context is cancelled, then drains remaining entries.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAudit(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAudit(entry *audit.Exchange) {
	if err := s.auditRepo.Create(context.Background(), entry); err != nil {
		s.logger.Error("audit write failed",
			"mode", entry.Mode,
			"outcome", entry.Outcome,
			"error", err,
		)
	}
}

// handleListExchanges returns paginated exchanges, newest first.
//
// Query parameters:
//   - mode: publish or subscribe
//   - outcome: published, delivered or an error code
//   - broker: exact broker string as recorded
//   - subject: bearer token subject
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotConfigured, "audit log not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Mode:    q.Get("mode"),
		Outcome: q.Get("outcome"),
		Broker:  q.Get("broker"),
		Subject: q.Get("subject"),
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list exchanges", "error", err)
		writeInternalError(w, "failed to list exchanges")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
