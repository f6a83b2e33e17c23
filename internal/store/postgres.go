package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/sequence"
)

// Postgres is the production Store, backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// Close releases the pool.
func (s *Postgres) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) CreateCheck(ctx context.Context, c *check.Check, requestKey string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO checks
			(id, number, rvc_id, employee_id, order_type, status, customer_id,
			 subtotal, tax, total, needs_renumber, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, c.ID, c.Number, c.RVCID, c.EmployeeID, string(c.OrderType), string(c.Status),
			c.CustomerID, int64(c.Subtotal), int64(c.Tax), int64(c.Total),
			c.NeedsRenumber, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert check: %w", err)
		}
		if err := insertChildren(ctx, tx, c); err != nil {
			return err
		}
		return recordRequest(ctx, tx, requestKey, c.ID)
	})
}

func (s *Postgres) SaveCheck(ctx context.Context, c *check.Check, requestKey string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE checks SET
				number=$2, status=$3, customer_id=$4, subtotal=$5, tax=$6,
				total=$7, needs_renumber=$8, updated_at=$9
			WHERE id=$1
		`, c.ID, c.Number, string(c.Status), c.CustomerID, int64(c.Subtotal),
			int64(c.Tax), int64(c.Total), c.NeedsRenumber, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update check: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &check.NotFoundError{CheckID: c.ID}
		}
		// The aggregate is saved whole: children are replaced, not
		// patched.
		for _, table := range []string{"check_items", "check_payments", "check_rounds"} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE check_id=$1`, table), c.ID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if err := insertChildren(ctx, tx, c); err != nil {
			return err
		}
		return recordRequest(ctx, tx, requestKey, c.ID)
	})
}

func (s *Postgres) GetCheck(ctx context.Context, id uuid.UUID) (*check.Check, error) {
	c := &check.Check{ID: id}
	var orderType, status string
	err := s.pool.QueryRow(ctx, `
		SELECT number, rvc_id, employee_id, order_type, status, customer_id,
		       subtotal, tax, total, needs_renumber, created_at, updated_at
		FROM checks WHERE id=$1
	`, id).Scan(&c.Number, &c.RVCID, &c.EmployeeID, &orderType, &status,
		&c.CustomerID, &c.Subtotal, &c.Tax, &c.Total, &c.NeedsRenumber,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &check.NotFoundError{CheckID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get check: %w", err)
	}
	c.OrderType = check.OrderType(orderType)
	c.Status = check.Status(status)
	if err := s.loadChildren(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Postgres) ListOpenChecks(ctx context.Context, rvcID string) ([]*check.Check, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM checks
		WHERE rvc_id=$1 AND status IN ('open','sent')
		ORDER BY created_at
	`, rvcID)
	if err != nil {
		return nil, fmt.Errorf("list open checks: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list open checks: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open checks: %w", err)
	}

	out := make([]*check.Check, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCheck(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Postgres) SeenRequest(ctx context.Context, key string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT check_id FROM idempotency_keys WHERE key=$1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("seen request: %w", err)
	}
	return id, true, nil
}

// GrantRange advances the global cursor under a row lock, so concurrent
// grants to different workstations can never overlap.
func (s *Postgres) GrantRange(ctx context.Context, workstationID string, size int64) (sequence.Range, error) {
	var r sequence.Range
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var next int64
		if err := tx.QueryRow(ctx, `SELECT next_n FROM check_number_cursor WHERE id=1 FOR UPDATE`).Scan(&next); err != nil {
			return fmt.Errorf("range cursor: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE check_number_cursor SET next_n=$1 WHERE id=1`, next+size); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO check_number_ranges (workstation_id, start_n, end_n, granted_at)
			VALUES ($1,$2,$3,now())
		`, workstationID, next, next+size-1); err != nil {
			return fmt.Errorf("record grant: %w", err)
		}
		r = sequence.Range{WorkstationID: workstationID, Start: next, End: next + size - 1, Cursor: next}
		return nil
	})
	return r, err
}

func (s *Postgres) Credential(ctx context.Context, employeeID string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT pin_hash FROM employees WHERE id=$1`, employeeID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credential: %w", err)
	}
	return hash, nil
}

func (s *Postgres) UpsertEmployee(ctx context.Context, employeeID, pinHash, displayName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO employees (id, pin_hash, display_name, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (id) DO UPDATE SET
			pin_hash=EXCLUDED.pin_hash, display_name=EXCLUDED.display_name, updated_at=now()
	`, employeeID, pinHash, displayName)
	if err != nil {
		return fmt.Errorf("upsert employee: %w", err)
	}
	return nil
}

func (s *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertChildren(ctx context.Context, tx pgx.Tx, c *check.Check) error {
	for i, it := range c.Items {
		mods, err := json.Marshal(it.Modifiers)
		if err != nil {
			return fmt.Errorf("marshal modifiers: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO check_items
			(id, check_id, position, menu_item_id, name, unit_price, quantity,
			 modifiers, status, sent, round_seq, seat_number, void_reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, it.ID, c.ID, i, it.MenuItemID, it.Name, int64(it.UnitPrice), it.Quantity,
			mods, string(it.Status), it.Sent, it.RoundSeq, it.SeatNumber, it.VoidReason); err != nil {
			return fmt.Errorf("insert item %s: %w", it.Name, err)
		}
	}
	for i, p := range c.Payments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO check_payments
			(id, check_id, position, tender_id, status, amount, tip, captured,
			 refunded, gateway_txn_id, request_key)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, p.ID, c.ID, i, p.TenderID, string(p.Status), int64(p.Amount), int64(p.Tip),
			int64(p.Captured), int64(p.Refunded), p.GatewayTxnID, p.RequestKey); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
	}
	for _, r := range c.Rounds {
		if _, err := tx.Exec(ctx, `
			INSERT INTO check_rounds (check_id, seq, sent_at, item_ids)
			VALUES ($1,$2,$3,$4)
		`, c.ID, r.Seq, r.SentAt, r.ItemIDs); err != nil {
			return fmt.Errorf("insert round %d: %w", r.Seq, err)
		}
	}
	return nil
}

func (s *Postgres) loadChildren(ctx context.Context, c *check.Check) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, menu_item_id, name, unit_price, quantity, modifiers,
		       status, sent, round_seq, seat_number, void_reason
		FROM check_items WHERE check_id=$1 ORDER BY position
	`, c.ID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	for rows.Next() {
		var it check.Item
		var mods []byte
		var status string
		if err := rows.Scan(&it.ID, &it.MenuItemID, &it.Name, &it.UnitPrice, &it.Quantity,
			&mods, &status, &it.Sent, &it.RoundSeq, &it.SeatNumber, &it.VoidReason); err != nil {
			rows.Close()
			return fmt.Errorf("scan item: %w", err)
		}
		it.Status = check.ItemStatus(status)
		if len(mods) > 0 {
			if err := json.Unmarshal(mods, &it.Modifiers); err != nil {
				rows.Close()
				return fmt.Errorf("decode modifiers: %w", err)
			}
		}
		c.Items = append(c.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, tender_id, status, amount, tip, captured, refunded,
		       gateway_txn_id, request_key
		FROM check_payments WHERE check_id=$1 ORDER BY position
	`, c.ID)
	if err != nil {
		return fmt.Errorf("load payments: %w", err)
	}
	for rows.Next() {
		var p check.Payment
		var status string
		if err := rows.Scan(&p.ID, &p.TenderID, &status, &p.Amount, &p.Tip,
			&p.Captured, &p.Refunded, &p.GatewayTxnID, &p.RequestKey); err != nil {
			rows.Close()
			return fmt.Errorf("scan payment: %w", err)
		}
		p.Status = check.PaymentStatus(status)
		c.Payments = append(c.Payments, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load payments: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT seq, sent_at, item_ids FROM check_rounds
		WHERE check_id=$1 ORDER BY seq
	`, c.ID)
	if err != nil {
		return fmt.Errorf("load rounds: %w", err)
	}
	for rows.Next() {
		var r check.Round
		if err := rows.Scan(&r.Seq, &r.SentAt, &r.ItemIDs); err != nil {
			rows.Close()
			return fmt.Errorf("scan round: %w", err)
		}
		c.Rounds = append(c.Rounds, r)
	}
	rows.Close()
	return rows.Err()
}

func recordRequest(ctx context.Context, tx pgx.Tx, key string, checkID uuid.UUID) error {
	if key == "" {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, check_id, created_at)
		VALUES ($1,$2,now())
		ON CONFLICT (key) DO NOTHING
	`, key, checkID)
	if err != nil {
		return fmt.Errorf("record request key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The key is already in the ledger. Same check means a replay of
		// our own save; a different check means a concurrent duplicate won,
		// and this transaction must not apply.
		var existing uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT check_id FROM idempotency_keys WHERE key=$1`, key).Scan(&existing); err != nil {
			return fmt.Errorf("record request key: %w", err)
		}
		if existing != checkID {
			return ErrDuplicateRequest
		}
	}
	return nil
}
