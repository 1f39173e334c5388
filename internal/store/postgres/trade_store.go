package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, executed_at, signal_id, position_id, symbol,
	direction, action, quantity, price, leverage, mode, order_id, success, error`

const insertTrade = `
	INSERT INTO executed_trades (
		id, executed_at, signal_id, position_id, symbol,
		direction, action, quantity, price, leverage,
		mode, order_id, success, error
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13, $14
	) ON CONFLICT (id) DO NOTHING`

func tradeArgs(t domain.ExecutedTrade) []any {
	return []any{
		t.ID, t.Timestamp, t.SignalID, t.PositionID, t.Symbol,
		string(t.Direction), string(t.Action), t.Quantity, t.Price, t.Leverage,
		string(t.Mode), t.OrderID, t.Success, t.Error,
	}
}

func scanTradeRows(rows pgx.Rows) ([]domain.ExecutedTrade, error) {
	var trades []domain.ExecutedTrade
	for rows.Next() {
		var (
			t                       domain.ExecutedTrade
			direction, action, mode string
		)
		if err := rows.Scan(
			&t.ID, &t.Timestamp, &t.SignalID, &t.PositionID, &t.Symbol,
			&direction, &action, &t.Quantity, &t.Price, &t.Leverage,
			&mode, &t.OrderID, &t.Success, &t.Error,
		); err != nil {
			return nil, err
		}
		t.Direction = domain.Direction(direction)
		t.Action = domain.TradeAction(action)
		t.Mode = domain.ExecutionMode(mode)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert stores one executed trade. Re-inserting the same id is a no-op, as
// trade records are never updated.
func (s *TradeStore) Insert(ctx context.Context, trade domain.ExecutedTrade) error {
	if _, err := s.pool.Exec(ctx, insertTrade, tradeArgs(trade)...); err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// InsertBatch stores many trades in one round trip.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.ExecutedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTrade, tradeArgs(t)...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListRecent returns trades newest first with pagination and optional time
// filtering.
func (s *TradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutedTrade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM executed_trades`, "executed_at", nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListBetween returns trades in [from, to) oldest first, for archiving.
func (s *TradeStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.ExecutedTrade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM executed_trades
		WHERE executed_at >= $1 AND executed_at < $2 ORDER BY executed_at ASC`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades between: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}
