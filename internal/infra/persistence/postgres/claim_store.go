package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/claimstore"
)

// ClaimStore persists payment snapshot claims and the poll watermark.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore constructs a ClaimStore backed by the provided pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

const (
	claimInsertSQL = `
INSERT INTO payment_claims (snapshot_id, status)
VALUES ($1, $2)
ON CONFLICT (snapshot_id) DO NOTHING;
`

	claimResolveSQL = `
UPDATE payment_claims
SET status = $2,
    order_id = NULLIF($3, ''),
    reason = NULLIF($4, '')
WHERE snapshot_id = $1;
`

	claimSelectSQL = `
SELECT snapshot_id, status, order_id, reason, created_at
FROM payment_claims
WHERE snapshot_id = $1;
`

	watermarkSelectSQL = `
SELECT cursor FROM poll_watermark WHERE id = TRUE;
`

	watermarkUpsertSQL = `
INSERT INTO poll_watermark (id, cursor, updated_at)
VALUES (TRUE, $1, NOW())
ON CONFLICT (id) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW();
`
)

// TryClaim inserts the claim if the snapshot id is unclaimed.
func (s *ClaimStore) TryClaim(ctx context.Context, claim claimstore.Claim) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("claim store: nil pool")
	}
	id := strings.TrimSpace(claim.SnapshotID)
	if id == "" {
		return false, fmt.Errorf("claim store: snapshot id required")
	}
	status := claim.Status
	if status == "" {
		status = claimstore.StatusClaimed
	}
	tag, err := s.pool.Exec(ctx, claimInsertSQL, id, string(status))
	if err != nil {
		return false, fmt.Errorf("claim store: try claim: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Resolve updates the status of an existing claim.
func (s *ClaimStore) Resolve(ctx context.Context, snapshotID string, status claimstore.Status, orderID, reason string) error {
	if s.pool == nil {
		return fmt.Errorf("claim store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, claimResolveSQL, snapshotID, string(status), orderID, reason)
	if err != nil {
		return fmt.Errorf("claim store: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("claimstore", errs.CodeNotFound, errs.WithField("snapshot_id", snapshotID))
	}
	return nil
}

// Get fetches one claim by snapshot id.
func (s *ClaimStore) Get(ctx context.Context, snapshotID string) (claimstore.Claim, error) {
	if s.pool == nil {
		return claimstore.Claim{}, fmt.Errorf("claim store: nil pool")
	}
	var (
		claim   claimstore.Claim
		status  string
		orderID pgtype.Text
		reason  pgtype.Text
	)
	err := s.pool.QueryRow(ctx, claimSelectSQL, snapshotID).Scan(
		&claim.SnapshotID,
		&status,
		&orderID,
		&reason,
		&claim.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return claimstore.Claim{}, errs.New("claimstore", errs.CodeNotFound, errs.WithField("snapshot_id", snapshotID))
		}
		return claimstore.Claim{}, fmt.Errorf("claim store: get: %w", err)
	}
	claim.Status = claimstore.Status(status)
	if orderID.Valid {
		claim.OrderID = orderID.String
	}
	if reason.Valid {
		claim.Reason = reason.String
	}
	return claim, nil
}

// Watermark returns the persisted poll cursor, empty when polling has never
// advanced.
func (s *ClaimStore) Watermark(ctx context.Context) (string, error) {
	if s.pool == nil {
		return "", fmt.Errorf("claim store: nil pool")
	}
	var cursor string
	err := s.pool.QueryRow(ctx, watermarkSelectSQL).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("claim store: watermark: %w", err)
	}
	return cursor, nil
}

// SetWatermark persists the poll cursor.
func (s *ClaimStore) SetWatermark(ctx context.Context, cursor string) error {
	if s.pool == nil {
		return fmt.Errorf("claim store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, watermarkUpsertSQL, cursor); err != nil {
		return fmt.Errorf("claim store: set watermark: %w", err)
	}
	return nil
}

var _ claimstore.Store = (*ClaimStore)(nil)
