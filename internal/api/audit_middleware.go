package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/zakaah-ledger/internal/auth"
	"github.com/example/zakaah-ledger/internal/security"
	"github.com/example/zakaah-ledger/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// AuditMiddleware chains a record of every state changing request, including
// rejected ones, with the authenticated actor.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			cid := security.CorrelationIDFromContext(r.Context())
			payload := fmt.Sprintf("event=http_request actor=%s cid=%s method=%s path=%s status=%d dur_ms=%d",
				auth.ActorFromContext(r.Context()), cid, r.Method, r.URL.Path, sw.status, dur.Milliseconds())
			a.Append(payload)
		})
	}
}
