package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
)

// OrderStore persists spot orders and release records.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 500

	uniqueViolationCode = "23505"
)

const (
	orderInsertSQL = `
INSERT INTO spot_orders (
    id,
    snapshot_id,
    user_ref,
    exchange,
    symbol,
    side,
    order_type,
    amount_requested,
    limit_price,
    state
)
VALUES (@id, @snapshot_id, @user_ref, @exchange, @symbol, @side, @order_type, @amount_requested, @limit_price, @state);
`

	orderSelectForUpdateSQL = `
SELECT state, filled_amount, amount_requested
FROM spot_orders
WHERE id = $1
FOR UPDATE;
`

	orderUpdateSQL = `
UPDATE spot_orders
SET state = @state,
    assigned_key_id = COALESCE(@assigned_key_id, assigned_key_id),
    remote_order_id = COALESCE(@remote_order_id, remote_order_id),
    filled_amount = COALESCE(@filled_amount, filled_amount),
    execution_price = COALESCE(@execution_price, execution_price),
    failure_code = COALESCE(@failure_code, failure_code),
    updated_at = NOW()
WHERE id = @id;
`

	orderSelectSQL = `
SELECT
    id,
    snapshot_id,
    user_ref,
    exchange,
    symbol,
    side,
    order_type,
    amount_requested,
    limit_price,
    assigned_key_id,
    remote_order_id,
    state,
    filled_amount,
    execution_price,
    failure_code,
    created_at,
    updated_at
FROM spot_orders
`

	releaseInsertSQL = `
INSERT INTO release_records (
    order_id,
    gross_amount,
    net_amount,
    fee_amount,
    fee_rate,
    network_tx_ref
)
VALUES (@order_id, @gross_amount, @net_amount, @fee_amount, @fee_rate, @network_tx_ref);
`

	releaseSelectSQL = `
SELECT order_id, gross_amount, net_amount, fee_amount, fee_rate, network_tx_ref, created_at
FROM release_records
WHERE order_id = $1;
`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func (s *OrderStore) createOrderWith(ctx context.Context, q querier, order orderstore.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	amount, err := numericFromDecimal(order.AmountRequested)
	if err != nil {
		return fmt.Errorf("order store: amount: %w", err)
	}
	limitPrice, err := numericFromNullDecimal(order.LimitPrice)
	if err != nil {
		return fmt.Errorf("order store: limit price: %w", err)
	}
	state := order.State
	if state == "" {
		state = orderstore.StateCreated
	}
	args := pgx.NamedArgs{
		"id":               order.ID,
		"snapshot_id":      order.SnapshotID,
		"user_ref":         order.UserRef,
		"exchange":         strings.TrimSpace(order.Exchange),
		"symbol":           order.Symbol,
		"side":             order.Side,
		"order_type":       order.OrderType,
		"amount_requested": amount,
		"limit_price":      limitPrice,
		"state":            string(state),
	}
	if _, err := q.Exec(ctx, orderInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return errs.New("orderstore", errs.CodeConflict, errs.WithField("order_id", order.ID))
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// updateStateWith validates the transition under a row lock before applying
// the update, mirroring the in-memory contract.
func (s *OrderStore) updateStateWith(ctx context.Context, q querier, update orderstore.StateUpdate) error {
	var (
		stateText string
		filled    pgtype.Numeric
		requested pgtype.Numeric
	)
	if err := q.QueryRow(ctx, orderSelectForUpdateSQL, update.ID).Scan(&stateText, &filled, &requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", update.ID))
		}
		return fmt.Errorf("order store: lock order: %w", err)
	}
	if !orderstore.CanTransition(orderstore.State(stateText), update.To) {
		return errs.New("orderstore", errs.CodeConflict,
			errs.WithMessage("illegal state transition"),
			errs.WithField("from", stateText),
			errs.WithField("to", string(update.To)))
	}
	if update.FilledAmount != nil {
		current, err := decimalFromNumeric(filled)
		if err != nil {
			return fmt.Errorf("order store: filled amount: %w", err)
		}
		max, err := decimalFromNumeric(requested)
		if err != nil {
			return fmt.Errorf("order store: requested amount: %w", err)
		}
		if update.FilledAmount.LessThan(current) {
			return errs.New("orderstore", errs.CodeConflict,
				errs.WithMessage("filled amount must be monotonic"))
		}
		if update.FilledAmount.GreaterThan(max) {
			return errs.New("orderstore", errs.CodeConflict,
				errs.WithMessage("filled amount exceeds requested amount"))
		}
	}

	filledArg, err := optionalNumeric(update.FilledAmount)
	if err != nil {
		return fmt.Errorf("order store: filled amount: %w", err)
	}
	priceArg, err := optionalNumeric(update.ExecutionPrice)
	if err != nil {
		return fmt.Errorf("order store: execution price: %w", err)
	}
	args := pgx.NamedArgs{
		"id":              update.ID,
		"state":           string(update.To),
		"assigned_key_id": update.AssignedKeyID,
		"remote_order_id": update.RemoteOrderID,
		"filled_amount":   filledArg,
		"execution_price": priceArg,
		"failure_code":    update.FailureCode,
	}
	tag, err := q.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", update.ID))
	}
	return nil
}

func (s *OrderStore) createReleaseWith(ctx context.Context, q querier, release orderstore.Release) error {
	gross, err := numericFromDecimal(release.GrossAmount)
	if err != nil {
		return fmt.Errorf("order store: gross amount: %w", err)
	}
	net, err := numericFromDecimal(release.NetAmount)
	if err != nil {
		return fmt.Errorf("order store: net amount: %w", err)
	}
	feeAmount, err := numericFromDecimal(release.FeeAmount)
	if err != nil {
		return fmt.Errorf("order store: fee amount: %w", err)
	}
	feeRate, err := numericFromDecimal(release.FeeRate)
	if err != nil {
		return fmt.Errorf("order store: fee rate: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":       release.OrderID,
		"gross_amount":   gross,
		"net_amount":     net,
		"fee_amount":     feeAmount,
		"fee_rate":       feeRate,
		"network_tx_ref": release.NetworkTxRef,
	}
	if _, err := q.Exec(ctx, releaseInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return errs.New("orderstore", errs.CodeConflict,
				errs.WithCanonicalCode(errs.CanonicalDoubleRelease),
				errs.WithField("order_id", release.OrderID))
		}
		return fmt.Errorf("order store: insert release: %w", err)
	}
	return nil
}

// CreateOrder inserts a new order row.
func (s *OrderStore) CreateOrder(ctx context.Context, order orderstore.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.createOrderWith(ctx, pool, order)
}

// UpdateState applies a transition inside its own transaction so the
// validation reads and the write are atomic.
func (s *OrderStore) UpdateState(ctx context.Context, update orderstore.StateUpdate) error {
	return s.WithTransaction(ctx, func(txCtx context.Context, tx orderstore.Tx) error {
		return tx.UpdateState(txCtx, update)
	})
}

// CreateRelease records the write-once release row.
func (s *OrderStore) CreateRelease(ctx context.Context, release orderstore.Release) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.createReleaseWith(ctx, pool, release)
}

// WithTransaction executes the callback within a database transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("order store: begin tx: %w", err)
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

// GetOrder fetches one order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Order{}, err
	}
	row := pool.QueryRow(ctx, orderSelectSQL+"WHERE id = $1;", id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", id))
		}
		return orderstore.Order{}, err
	}
	return order, nil
}

// GetRelease fetches the release row for an order.
func (s *OrderStore) GetRelease(ctx context.Context, orderID string) (orderstore.Release, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Release{}, err
	}
	var (
		release orderstore.Release
		gross   pgtype.Numeric
		net     pgtype.Numeric
		feeAmt  pgtype.Numeric
		feeRate pgtype.Numeric
	)
	err = pool.QueryRow(ctx, releaseSelectSQL, orderID).Scan(
		&release.OrderID,
		&gross,
		&net,
		&feeAmt,
		&feeRate,
		&release.NetworkTxRef,
		&release.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Release{}, errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", orderID))
		}
		return orderstore.Release{}, fmt.Errorf("order store: get release: %w", err)
	}
	if release.GrossAmount, err = decimalFromNumeric(gross); err != nil {
		return orderstore.Release{}, err
	}
	if release.NetAmount, err = decimalFromNumeric(net); err != nil {
		return orderstore.Release{}, err
	}
	if release.FeeAmount, err = decimalFromNumeric(feeAmt); err != nil {
		return orderstore.Release{}, err
	}
	if release.FeeRate, err = decimalFromNumeric(feeRate); err != nil {
		return orderstore.Release{}, err
	}
	return release, nil
}

// ListOrders retrieves orders matching the query, oldest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var (
		clauses []string
		args    []any
	)
	if query.SnapshotID != "" {
		args = append(args, query.SnapshotID)
		clauses = append(clauses, fmt.Sprintf("snapshot_id = $%d", len(args)))
	}
	if query.Exchange != "" {
		args = append(args, query.Exchange)
		clauses = append(clauses, fmt.Sprintf("exchange = $%d", len(args)))
	}
	if len(query.States) > 0 {
		states := make([]string, 0, len(query.States))
		for _, state := range query.States {
			states = append(states, string(state))
		}
		args = append(args, states)
		clauses = append(clauses, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	sql := orderSelectSQL
	if len(clauses) > 0 {
		sql += "WHERE " + strings.Join(clauses, " AND ") + "\n"
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultOrderLimit
	} else if limit > maxOrderLimit {
		limit = maxOrderLimit
	}
	args = append(args, limit)
	sql += fmt.Sprintf("ORDER BY created_at ASC, id ASC\nLIMIT $%d;", len(args))

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var out []orderstore.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return out, nil
}

func (t *orderTx) CreateOrder(ctx context.Context, order orderstore.Order) error {
	return t.store.createOrderWith(ctx, t.tx, order)
}

func (t *orderTx) UpdateState(ctx context.Context, update orderstore.StateUpdate) error {
	return t.store.updateStateWith(ctx, t.tx, update)
}

func (t *orderTx) CreateRelease(ctx context.Context, release orderstore.Release) error {
	return t.store.createReleaseWith(ctx, t.tx, release)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (orderstore.Order, error) {
	var (
		order       orderstore.Order
		amount      pgtype.Numeric
		limitPrice  pgtype.Numeric
		keyID       pgtype.Int8
		remoteID    pgtype.Text
		filled      pgtype.Numeric
		price       pgtype.Numeric
		failureCode pgtype.Text
		stateText   string
	)
	if err := row.Scan(
		&order.ID,
		&order.SnapshotID,
		&order.UserRef,
		&order.Exchange,
		&order.Symbol,
		&order.Side,
		&order.OrderType,
		&amount,
		&limitPrice,
		&keyID,
		&remoteID,
		&stateText,
		&filled,
		&price,
		&failureCode,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, err
		}
		return orderstore.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	order.State = orderstore.State(stateText)
	var err error
	if order.AmountRequested, err = decimalFromNumeric(amount); err != nil {
		return orderstore.Order{}, err
	}
	if order.LimitPrice, err = nullDecimalFromNumeric(limitPrice); err != nil {
		return orderstore.Order{}, err
	}
	if order.FilledAmount, err = decimalFromNumeric(filled); err != nil {
		return orderstore.Order{}, err
	}
	if order.ExecutionPrice, err = nullDecimalFromNumeric(price); err != nil {
		return orderstore.Order{}, err
	}
	if keyID.Valid {
		order.AssignedKeyID = keyID.Int64
	}
	if remoteID.Valid {
		order.RemoteOrderID = remoteID.String
	}
	if failureCode.Valid {
		order.FailureCode = failureCode.String
	}
	return order, nil
}

// optionalNumeric renders an optional decimal as a COALESCE-friendly arg:
// nil keeps the stored value.
func optionalNumeric(value *decimal.Decimal) (any, error) {
	if value == nil {
		return nil, nil
	}
	out, err := numericFromDecimal(*value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

var _ orderstore.Store = (*OrderStore)(nil)
