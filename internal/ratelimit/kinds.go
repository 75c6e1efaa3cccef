package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/af-corp/relay-gateway/internal/config"
)

// OpKind identifies a sensitive credential operation. Each kind has its own
// ceiling; export is the most restrictive.
type OpKind string

const (
	OpKeyCreate OpKind = "key_create"
	OpKeyTest   OpKind = "key_test"
	OpKeyRotate OpKind = "key_rotate"
	OpKeyExport OpKind = "key_export"
)

func ParseOpKind(s string) (OpKind, bool) {
	switch OpKind(s) {
	case OpKeyCreate, OpKeyTest, OpKeyRotate, OpKeyExport:
		return OpKind(s), true
	default:
		return "", false
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityElevated Severity = "elevated"
	SeverityCritical Severity = "critical"
)

func (k OpKind) Severity() Severity {
	switch k {
	case OpKeyExport:
		return SeverityCritical
	case OpKeyRotate:
		return SeverityElevated
	default:
		return SeverityLow
	}
}

// OpResult is the outcome of a per-kind check, surfaced to the caller via
// rate-limit headers.
type OpResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	Severity  Severity
}

// Guard enforces per-(user, operation-kind) ceilings over the shared limiter.
type Guard struct {
	limiter *Limiter
	limits  config.LimitsConfig
}

func NewGuard(limiter *Limiter, limits config.LimitsConfig) *Guard {
	return &Guard{limiter: limiter, limits: limits}
}

func (g *Guard) ceiling(kind OpKind) int64 {
	switch kind {
	case OpKeyCreate:
		return g.limits.KeyCreate
	case OpKeyTest:
		return g.limits.KeyTest
	case OpKeyRotate:
		return g.limits.KeyRotate
	case OpKeyExport:
		return g.limits.KeyExport
	default:
		return 0
	}
}

func opKey(userID string, kind OpKind) string {
	return fmt.Sprintf("op:%s:%s", kind, userID)
}

// Check consumes one attempt for (userID, kind) and reports the outcome.
func (g *Guard) Check(ctx context.Context, userID string, kind OpKind) (OpResult, error) {
	limit := g.ceiling(kind)
	if limit <= 0 {
		// Unconfigured kind: deny rather than allow unlimited sensitive calls.
		return OpResult{Allowed: false, Severity: kind.Severity(), ResetAt: time.Now().Add(g.limits.Window)}, nil
	}

	res, err := g.limiter.Check(ctx, opKey(userID, kind), limit, g.limits.Window)
	if err != nil {
		return OpResult{}, err
	}
	out := OpResult{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	}
	if !res.Allowed {
		out.Severity = kind.Severity()
	}
	return out, nil
}

// RecordFailedAttempt consumes extra window capacity after any failed
// sensitive operation, including failures that were themselves rate-limit
// rejections.
func (g *Guard) RecordFailedAttempt(ctx context.Context, userID string, kind OpKind) error {
	return g.limiter.Penalize(ctx, opKey(userID, kind), g.limits.Window)
}
