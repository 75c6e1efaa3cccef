package byok

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/relay-gateway/internal/router/adapters"
)

// CredentialStatus tracks the lifecycle of a stored vendor key.
type CredentialStatus string

const (
	StatusPending CredentialStatus = "pending"
	StatusValid   CredentialStatus = "valid"
	StatusInvalid CredentialStatus = "invalid"
)

// Credential is one stored vendor key. Ciphertext is opaque to everything
// but the Cipher; the plaintext secret never appears on this struct.
type Credential struct {
	ID            string
	UserID        string
	Vendor        string
	KeyName       string
	Ciphertext    []byte
	Status        CredentialStatus
	LastValidated *time.Time
	LastError     string
	Quota         *adapters.QuotaInfo
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var ErrNotFound = errors.New("credential not found")
var ErrDuplicateName = errors.New("a key with this name already exists for this vendor")

// CredentialStore persists credentials. The pgx implementation is the real
// one; tests use the in-memory store.
type CredentialStore interface {
	Insert(ctx context.Context, cred *Credential) error
	Get(ctx context.Context, userID, id string) (*Credential, error)
	// Newest returns the most recently updated credential for the vendor,
	// preferring valid ones over pending/invalid. Nil when the user has none.
	Newest(ctx context.Context, userID, vendor string) (*Credential, error)
	List(ctx context.Context, userID string) ([]Credential, error)
	UpdateStatus(ctx context.Context, id string, status CredentialStatus, lastError string, quota *adapters.QuotaInfo) error
	// UpdateCiphertext swaps key material for one row. The expectedUpdatedAt
	// guard makes rotation per-row atomic: a concurrent writer loses.
	UpdateCiphertext(ctx context.Context, id string, ciphertext []byte, expectedUpdatedAt time.Time) error
	Delete(ctx context.Context, userID, id string) error
}

// PGStore is the Postgres-backed credential store.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, cred *Credential) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_credentials
			(id, user_id, vendor, key_name, ciphertext, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, cred.ID, cred.UserID, cred.Vendor, cred.KeyName,
		cred.Ciphertext, cred.Status, cred.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, userID, id string) (*Credential, error) {
	row := s.db.QueryRow(ctx, selectCredential+`
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanCredential(row)
}

func (s *PGStore) Newest(ctx context.Context, userID, vendor string) (*Credential, error) {
	row := s.db.QueryRow(ctx, selectCredential+`
		WHERE user_id = $1 AND vendor = $2
		ORDER BY (status = 'valid') DESC, updated_at DESC
		LIMIT 1
	`, userID, vendor)

	cred, err := scanCredential(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cred, err
}

func (s *PGStore) List(ctx context.Context, userID string) ([]Credential, error) {
	rows, err := s.db.Query(ctx, selectCredential+`
		WHERE user_id = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

func (s *PGStore) UpdateStatus(ctx context.Context, id string, status CredentialStatus, lastError string, quota *adapters.QuotaInfo) error {
	var validated *time.Time
	if status == StatusValid {
		now := time.Now().UTC()
		validated = &now
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE user_credentials
		SET status = $2, last_error = $3, quota = $4,
		    last_validated = COALESCE($5, last_validated),
		    updated_at = NOW()
		WHERE id = $1
	`, id, status, lastError, quota, validated)
	if err != nil {
		return fmt.Errorf("updating credential status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateCiphertext(ctx context.Context, id string, ciphertext []byte, expectedUpdatedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE user_credentials
		SET ciphertext = $2, updated_at = NOW()
		WHERE id = $1 AND updated_at = $3
	`, id, ciphertext, expectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("updating credential ciphertext: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s changed underneath rotation", id)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, userID, id string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM user_credentials
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectCredential = `
	SELECT id, user_id, vendor, key_name, ciphertext, status,
	       last_validated, last_error, quota, created_at, updated_at
	FROM user_credentials
`

func scanCredential(row pgx.Row) (*Credential, error) {
	var cred Credential
	err := row.Scan(
		&cred.ID, &cred.UserID, &cred.Vendor, &cred.KeyName,
		&cred.Ciphertext, &cred.Status, &cred.LastValidated,
		&cred.LastError, &cred.Quota, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	return &cred, nil
}

func isUniqueViolation(err error) bool {
	// pgconn.PgError code 23505
	type coder interface{ SQLState() string }
	var pgErr coder
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
