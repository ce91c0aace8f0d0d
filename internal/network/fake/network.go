// Package fake provides a scriptable in-process payment network.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/internal/network"
)

// Transfer records one outbound transfer submitted through the fake network.
type Transfer struct {
	Destination string
	Asset       string
	Amount      decimal.Decimal
	Memo        string
	TxRef       string
}

// Network replays scripted snapshots and records submitted transfers.
type Network struct {
	mu        sync.Mutex
	snapshots []network.Snapshot
	transfers []Transfer
	byMemo    map[string]string
	seq       int

	pollErr     error
	transferErr error
}

// New constructs an empty fake network.
func New() *Network {
	return &Network{byMemo: make(map[string]string)}
}

// Push appends snapshots to the replay log. Pushing the same snapshot twice
// simulates network redelivery.
func (n *Network) Push(snapshots ...network.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, snapshots...)
}

// Confirm sets the confirmation count on a pushed snapshot, simulating the
// network finalizing the transfer.
func (n *Network) Confirm(snapshotID string, confirmations int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.snapshots {
		if n.snapshots[i].ID == snapshotID {
			n.snapshots[i].Confirmations = confirmations
		}
	}
}

// FailPolls makes subsequent polls fail until cleared with a nil error.
func (n *Network) FailPolls(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pollErr = err
}

// FailTransfers makes subsequent transfers fail until cleared with a nil error.
func (n *Network) FailTransfers(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transferErr = err
}

// Transfers returns a copy of all recorded transfers.
func (n *Network) Transfers() []Transfer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Transfer, len(n.transfers))
	copy(out, n.transfers)
	return out
}

// PollSnapshots replays the scripted log. The cursor is the decimal offset
// into the log.
func (n *Network) PollSnapshots(ctx context.Context, cursor string, limit int) ([]network.Snapshot, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pollErr != nil {
		return nil, cursor, n.pollErr
	}
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, cursor, fmt.Errorf("fake network: bad cursor %q", cursor)
		}
		offset = parsed
	}
	if offset >= len(n.snapshots) {
		return nil, cursor, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(n.snapshots) {
		end = len(n.snapshots)
	}
	batch := make([]network.Snapshot, end-offset)
	copy(batch, n.snapshots[offset:end])
	return batch, strconv.Itoa(end), nil
}

// SendTransfer records the transfer and returns a synthetic transaction ref.
// Transfers sharing a non-empty memo are deduplicated: the resubmission
// returns the original ref without moving funds again.
func (n *Network) SendTransfer(ctx context.Context, destination, asset string, amount decimal.Decimal, memoText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if memoText != "" {
		if txRef, ok := n.byMemo[memoText]; ok {
			return txRef, nil
		}
	}
	if n.transferErr != nil {
		return "", n.transferErr
	}
	n.seq++
	txRef := fmt.Sprintf("ftx-%06d", n.seq)
	n.transfers = append(n.transfers, Transfer{
		Destination: destination,
		Asset:       asset,
		Amount:      amount,
		Memo:        memoText,
		TxRef:       txRef,
	})
	if memoText != "" {
		n.byMemo[memoText] = txRef
	}
	return txRef, nil
}

var _ network.Client = (*Network)(nil)
