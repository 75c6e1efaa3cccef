package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one append-only audit record for a sensitive operation.
type Entry struct {
	ID          string
	UserID      string
	Operation   string
	Vendor      string
	Fingerprint string
	Success     bool
	Detail      string
	CreatedAt   time.Time
}

// Logger appends audit entries to Postgres. There is no update or delete
// path; the table is append-only.
type Logger struct {
	db *pgxpool.Pool
}

func NewLogger(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Record appends one entry. Audit failures are logged but never block the
// operation they describe.
func (l *Logger) Record(ctx context.Context, userID, operation, vendor string, params map[string]string, success bool, detail string) {
	entry := Entry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Operation:   operation,
		Vendor:      vendor,
		Fingerprint: Fingerprint(params),
		Success:     success,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}

	if l == nil || l.db == nil {
		slog.Warn("audit log disabled, dropping entry",
			"operation", operation, "user_id", userID, "success", success)
		return
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO audit_log (id, user_id, operation, vendor, fingerprint, success, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.Operation, entry.Vendor,
		entry.Fingerprint, entry.Success, entry.Detail, entry.CreatedAt)
	if err != nil {
		slog.Error("failed to append audit entry",
			"error", err, "operation", operation, "user_id", userID)
	}
}

// List returns the latest entries for a user, newest first.
func (l *Logger) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := l.db.Query(ctx, `
		SELECT id, user_id, operation, vendor, fingerprint, success, detail, created_at
		FROM audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Operation, &e.Vendor,
			&e.Fingerprint, &e.Success, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
