package positions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lv-futures/internal/model"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const positionColumns = "id, user_id, direction, margin, leverage, entry_price, status, profit, loss, payout, created_at, settled_at"

// Store is the Postgres ledger. Position and balance rows are locked with
// select ... for update inside read-committed transactions, so a waiter
// re-reads the row committed by the winner and sees its terminal status.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (model.Position, error) {
	var p model.Position
	var direction, status string
	err := row.Scan(&p.ID, &p.UserID, &direction, &p.Margin, &p.Leverage, &p.EntryPrice, &status, &p.Profit, &p.Loss, &p.Payout, &p.CreatedAt, &p.SettledAt)
	if err != nil {
		return p, err
	}
	p.Direction = types.Direction(direction)
	p.Status = types.PositionStatus(status)
	return p, nil
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

func (s *Store) Open(ctx context.Context, p model.Position) (model.Position, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return p, err
	}
	defer tx.Rollback(ctx)

	balance, err := s.lockBalance(ctx, tx, p.UserID, types.AssetUSDT)
	if err != nil {
		return p, err
	}
	if balance.LessThan(p.Margin) {
		return p, ErrInsufficientBalance
	}
	p.Status = types.PositionStatusRunning
	p.CreatedAt = time.Now().UTC()
	err = tx.QueryRow(ctx, "insert into positions (user_id, direction, margin, leverage, entry_price, status, created_at) values ($1,$2,$3,$4,$5,$6,$7) returning id", p.UserID, string(p.Direction), p.Margin, p.Leverage, p.EntryPrice, string(p.Status), p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return p, err
	}
	if err := s.adjustBalance(ctx, tx, p.UserID, types.AssetUSDT, p.Margin.Neg(), types.EntryTypePositionOpen, "position:"+p.ID); err != nil {
		return p, err
	}
	return p, tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (model.Position, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Position{}, settlement.ErrNotFound
	}
	p, err := scanPosition(s.pool.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, settlement.ErrNotFound
	}
	return p, err
}

func (s *Store) ListOpen(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, "select "+positionColumns+" from positions where status = 'running' and ($1 = '' or user_id = $1) order by created_at desc", userID)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

// ListClosed pages by settlement time, newest first; before is a
// settled_at cursor.
func (s *Store) ListClosed(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `
		select `+positionColumns+`
		from positions
		where user_id = $1
		  and status <> 'running'
		  and settled_at is not null
		  and ($2::timestamptz is null or settled_at < $2)
		order by settled_at desc, id desc
		limit $3
	`, userID, before, limit)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ApplySettlement(ctx context.Context, id string, out settlement.Outcome) (model.Position, error) {
	if err := out.Validate(); err != nil {
		return model.Position{}, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return model.Position{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := uuid.Parse(id); err != nil {
		return model.Position{}, settlement.ErrNotFound
	}
	p, err := scanPosition(tx.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 for update", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, settlement.ErrNotFound
		}
		return p, err
	}
	if p.Status != types.PositionStatusRunning {
		return p, fmt.Errorf("%w: status %s", settlement.ErrAlreadySettled, p.Status)
	}
	settledAt := time.Now().UTC().Truncate(time.Microsecond)
	payout := out.Payout
	tag, err := tx.Exec(ctx, "update positions set status = $1, profit = $2, loss = $3, payout = $4, settled_at = $5 where id = $6 and status = 'running'", string(out.Status), out.Profit, out.Loss, payout, settledAt, p.ID)
	if err != nil {
		return p, err
	}
	if tag.RowsAffected() != 1 {
		return p, settlement.ErrAlreadySettled
	}
	if payout.GreaterThan(decimal.Zero) {
		if err := s.adjustBalance(ctx, tx, p.UserID, types.AssetUSDT, payout, types.EntryTypePositionPayout, "position:"+p.ID); err != nil {
			return p, fmt.Errorf("failed to credit payout: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return p, err
	}
	p.Status = out.Status
	p.Profit, p.Loss = nil, nil
	if out.Profit != nil {
		v := *out.Profit
		p.Profit = &v
	}
	if out.Loss != nil {
		v := *out.Loss
		p.Loss = &v
	}
	p.Payout = &payout
	p.SettledAt = &settledAt
	return p, nil
}

func (s *Store) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx, "select asset, amount from balances where user_id = $1", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[types.AssetSymbol]decimal.Decimal{}
	for rows.Next() {
		var asset string
		var amount decimal.Decimal
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		found[types.AssetSymbol(asset)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return []model.Balance{
		{Asset: types.AssetUSDT, Amount: found[types.AssetUSDT]},
		{Asset: types.AssetBTC, Amount: found[types.AssetBTC]},
	}, nil
}

func (s *Store) Deposit(ctx context.Context, userID string, asset types.AssetSymbol, amount decimal.Decimal, ref string) error {
	if !amount.GreaterThan(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	if !asset.Valid() {
		return fmt.Errorf("unsupported asset %q", asset)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := s.lockBalance(ctx, tx, userID, asset); err != nil {
		return err
	}
	if err := s.adjustBalance(ctx, tx, userID, asset, amount, types.EntryTypeDeposit, ref); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) lockBalance(ctx context.Context, tx pgx.Tx, userID string, asset types.AssetSymbol) (decimal.Decimal, error) {
	_, err := tx.Exec(ctx, "insert into balances (user_id, asset, amount) values ($1, $2, 0) on conflict (user_id, asset) do nothing", userID, string(asset))
	if err != nil {
		return decimal.Zero, err
	}
	var amount decimal.Decimal
	err = tx.QueryRow(ctx, "select amount from balances where user_id = $1 and asset = $2 for update", userID, string(asset)).Scan(&amount)
	return amount, err
}

func (s *Store) adjustBalance(ctx context.Context, tx pgx.Tx, userID string, asset types.AssetSymbol, delta decimal.Decimal, entryType types.EntryType, ref string) error {
	_, err := tx.Exec(ctx, "insert into balances (user_id, asset, amount) values ($1, $2, 0) on conflict (user_id, asset) do nothing", userID, string(asset))
	if err != nil {
		return err
	}
	var after decimal.Decimal
	err = tx.QueryRow(ctx, "update balances set amount = amount + $3, updated_at = $4 where user_id = $1 and asset = $2 returning amount", userID, string(asset), delta, time.Now().UTC()).Scan(&after)
	if err != nil {
		return err
	}
	if after.IsNegative() {
		return ErrInsufficientBalance
	}
	return s.appendEntry(ctx, tx, userID, asset, delta, entryType, ref)
}

func (s *Store) appendEntry(ctx context.Context, tx pgx.Tx, userID string, asset types.AssetSymbol, amount decimal.Decimal, entryType types.EntryType, ref string) error {
	if _, err := tx.Exec(ctx, "select pg_advisory_xact_lock(1)"); err != nil {
		return err
	}
	var prevHash *string
	err := tx.QueryRow(ctx, "select encode(hash, 'hex') from balance_entries order by sequence desc limit 1").Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var entryID string
	var seq int64
	err = tx.QueryRow(ctx, "insert into balance_entries (user_id, asset, amount, entry_type, ref, prev_hash, created_at) values ($1, $2, $3, $4, $5, decode(nullif($6,''), 'hex'), $7) returning id, sequence", userID, string(asset), amount, string(entryType), ref, nullable(prevHash), time.Now().UTC()).Scan(&entryID, &seq)
	if err != nil {
		return err
	}
	hash := EntryHash(entryID, userID, asset, amount, entryType, seq, nullable(prevHash))
	_, err = tx.Exec(ctx, "update balance_entries set hash = decode($1, 'hex') where id = $2", hash, entryID)
	return err
}

// EntryHash chains a balance entry to its predecessor.
func EntryHash(entryID, userID string, asset types.AssetSymbol, amount decimal.Decimal, entryType types.EntryType, seq int64, prevHash string) string {
	buf := entryID + "|" + userID + "|" + string(asset) + "|" + amount.String() + "|" + string(entryType) + "|" + strconv.FormatInt(seq, 10) + "|" + prevHash
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}

func nullable(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
