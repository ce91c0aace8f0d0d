package memory

import (
	"context"
	"sync"
	"time"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/claimstore"
)

// ClaimStore keeps snapshot claims and the poll watermark in process memory.
type ClaimStore struct {
	mu        sync.Mutex
	claims    map[string]claimstore.Claim
	watermark string
}

// NewClaimStore constructs an empty claim store.
func NewClaimStore() *ClaimStore {
	return &ClaimStore{claims: make(map[string]claimstore.Claim)}
}

// TryClaim inserts the claim if absent; false means already claimed.
func (s *ClaimStore) TryClaim(ctx context.Context, claim claimstore.Claim) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.claims[claim.SnapshotID]; exists {
		return false, nil
	}
	if claim.Status == "" {
		claim.Status = claimstore.StatusClaimed
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = time.Now()
	}
	s.claims[claim.SnapshotID] = claim
	return true, nil
}

// Resolve updates the status of an existing claim.
func (s *ClaimStore) Resolve(ctx context.Context, snapshotID string, status claimstore.Status, orderID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[snapshotID]
	if !ok {
		return errs.New("claimstore", errs.CodeNotFound, errs.WithField("snapshot_id", snapshotID))
	}
	claim.Status = status
	claim.OrderID = orderID
	claim.Reason = reason
	s.claims[snapshotID] = claim
	return nil
}

// Get fetches one claim by snapshot id.
func (s *ClaimStore) Get(ctx context.Context, snapshotID string) (claimstore.Claim, error) {
	if err := ctx.Err(); err != nil {
		return claimstore.Claim{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[snapshotID]
	if !ok {
		return claimstore.Claim{}, errs.New("claimstore", errs.CodeNotFound, errs.WithField("snapshot_id", snapshotID))
	}
	return claim, nil
}

// Watermark returns the persisted poll cursor.
func (s *ClaimStore) Watermark(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

// SetWatermark advances the poll cursor.
func (s *ClaimStore) SetWatermark(ctx context.Context, cursor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = cursor
	return nil
}

var _ claimstore.Store = (*ClaimStore)(nil)
