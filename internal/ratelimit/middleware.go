package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/httputil"
	"github.com/af-corp/relay-gateway/internal/telemetry"
)

const (
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRateLimitSeverity  = "X-RateLimit-Severity"
	headerRetryAfter         = "Retry-After"
)

// Middleware returns chi middleware guarding one sensitive operation kind.
// Every response, allowed or denied, carries the rate-limit headers; a denial
// still consumes window capacity via RecordFailedAttempt so repeated abuse
// compounds its own lockout.
func Middleware(guard *Guard, kind OpKind, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			authInfo, ok := auth.AuthFromContext(r.Context())
			if !ok {
				// Unauthenticated; the auth middleware rejects it downstream.
				next.ServeHTTP(w, r)
				return
			}

			result, err := guard.Check(r.Context(), authInfo.UserID, kind)
			if err != nil {
				slog.Error("rate limit check failed", "error", err, "kind", kind)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(headerRateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("sensitive operation rate limited",
					"request_id", reqID,
					"user_id", authInfo.UserID,
					"kind", kind,
					"severity", result.Severity,
				)
				if metrics != nil {
					metrics.RecordRateLimitHit(string(kind))
				}
				// The rejection itself counts as a failed attempt.
				if err := guard.RecordFailedAttempt(r.Context(), authInfo.UserID, kind); err != nil {
					slog.Error("failed to record rate-limited attempt", "error", err, "kind", kind)
				}
				w.Header().Set(headerRateLimitSeverity, string(result.Severity))
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.ResetAt.Sub(timeNow()).Seconds())))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Too many %s attempts. Retry after %s", kind, result.ResetAt.Format(time.RFC3339)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// timeNow is stubbed in tests.
var timeNow = time.Now
