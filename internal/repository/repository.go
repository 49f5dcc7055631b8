package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/reading"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a meter has no reading row
var ErrNotFound = errors.New("not found")

// TxStore is the set of writes a sweep performs for one meter inside a transaction
type TxStore interface {
	LockReading(ctx context.Context, rowID int64) (db.RawMeterReading, error)
	UpdateReading(ctx context.Context, reading db.MeterReading) error
	LockBalance(ctx context.Context, balanceID int64) (*string, error)
	UpdateBalance(ctx context.Context, balanceID int64, balance decimal.Decimal) error
	LatestBill(ctx context.Context, meterNumber string) (*db.LastBill, error)
	RecentBillUnits(ctx context.Context, meterNumber string, limit int) ([]decimal.Decimal, error)
	InsertBill(ctx context.Context, bill *db.Bill) error
}

// Repository handles database operations
type Repository struct {
	pool   *pgxpool.Pool
	tables tables
}

// NewRepository creates a new repository for tables in schema
func NewRepository(pool *pgxpool.Pool, schema string) *Repository {
	return &Repository{pool: pool, tables: newTables(schema)}
}

type tables struct {
	readings string
	accounts string
	users    string
	balances string
	bills    string
}

func newTables(schema string) tables {
	name := func(table string) string {
		if schema == "" {
			return pgx.Identifier{table}.Sanitize()
		}
		return pgx.Identifier{schema, table}.Sanitize()
	}
	return tables{
		readings: name("meter_readings"),
		accounts: name("consumer_accounts"),
		users:    name("users"),
		balances: name("prepaid_balance"),
		bills:    name("bills"),
	}
}

// FetchPrepaidCandidates returns every prepaid meter row of a registered user with a balance row
func (r *Repository) FetchPrepaidCandidates(ctx context.Context) ([]db.PrepaidCandidate, error) {
	query := fmt.Sprintf(`
		SELECT
			mr.row_id, mr.meter_number, mr.reading_time,
			mr.current_reading::text, mr.previous_reading::text, mr.created_on,
			ca.consumer_number, u.user_id::text, ca.tariff_rate::text,
			pb.balance_id, pb.current_balance::text
		FROM %s mr
		JOIN %s ca ON mr.meter_number = ca.meter_number
		JOIN %s u ON ca.consumer_number = u.user_id
		JOIN %s pb ON ca.consumer_number = pb.consumer_number
		WHERE ca.connection_type = $1
		ORDER BY mr.meter_number, mr.reading_time DESC, mr.row_id, ca.consumer_number, pb.balance_id
	`, r.tables.readings, r.tables.accounts, r.tables.users, r.tables.balances)

	rows, err := r.pool.Query(ctx, query, string(db.ConnectionPrepaid))
	if err != nil {
		return nil, fmt.Errorf("failed to query prepaid candidates: %w", err)
	}
	defer rows.Close()

	var candidates []db.PrepaidCandidate
	for rows.Next() {
		var c db.PrepaidCandidate
		if err := rows.Scan(
			&c.Reading.RowID,
			&c.Reading.MeterNumber,
			&c.Reading.ReadingTime,
			&c.Reading.CurrentReading,
			&c.Reading.PreviousReading,
			&c.Reading.CreatedOn,
			&c.ConsumerNumber,
			&c.UserID,
			&c.TariffRate,
			&c.BalanceID,
			&c.CurrentBalance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan prepaid candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return candidates, nil
}

// FetchPostpaidCandidates returns every postpaid meter row of a registered user
func (r *Repository) FetchPostpaidCandidates(ctx context.Context) ([]db.PostpaidCandidate, error) {
	query := fmt.Sprintf(`
		SELECT
			mr.row_id, mr.meter_number, mr.reading_time,
			mr.current_reading::text, mr.previous_reading::text, mr.created_on,
			ca.consumer_number, u.user_id::text, ca.connection_type, ca.tariff_rate::text
		FROM %s mr
		JOIN %s ca ON mr.meter_number = ca.meter_number
		JOIN %s u ON ca.consumer_number = u.user_id
		WHERE ca.connection_type = $1
		ORDER BY mr.meter_number, mr.reading_time DESC, mr.row_id, ca.consumer_number
	`, r.tables.readings, r.tables.accounts, r.tables.users)

	rows, err := r.pool.Query(ctx, query, string(db.ConnectionPostpaid))
	if err != nil {
		return nil, fmt.Errorf("failed to query postpaid candidates: %w", err)
	}
	defer rows.Close()

	var candidates []db.PostpaidCandidate
	for rows.Next() {
		var c db.PostpaidCandidate
		var connectionType string
		if err := rows.Scan(
			&c.Reading.RowID,
			&c.Reading.MeterNumber,
			&c.Reading.ReadingTime,
			&c.Reading.CurrentReading,
			&c.Reading.PreviousReading,
			&c.Reading.CreatedOn,
			&c.ConsumerNumber,
			&c.UserID,
			&connectionType,
			&c.TariffRate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan postpaid candidate: %w", err)
		}
		c.ConnectionType = db.ConnectionType(connectionType)
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return candidates, nil
}

// LatestReading gets the most recent reading row of a meter
func (r *Repository) LatestReading(ctx context.Context, meterNumber string) (db.RawMeterReading, error) {
	query := fmt.Sprintf(`
		SELECT row_id, meter_number, reading_time, current_reading::text, previous_reading::text, created_on
		FROM %s
		WHERE meter_number = $1
		ORDER BY reading_time DESC
		LIMIT 1
	`, r.tables.readings)

	reading, err := scanReading(r.pool.QueryRow(ctx, query, meterNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.RawMeterReading{}, fmt.Errorf("meter %s: %w", meterNumber, ErrNotFound)
	}
	if err != nil {
		return db.RawMeterReading{}, fmt.Errorf("failed to query latest reading: %w", err)
	}
	return reading, nil
}

// WithinTx runs fn in a transaction, committing when fn returns nil
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &txStore{tx: tx, tables: r.tables}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx     pgx.Tx
	tables tables
}

// LockReading re-reads a reading row and holds its lock until the transaction ends
func (s *txStore) LockReading(ctx context.Context, rowID int64) (db.RawMeterReading, error) {
	query := fmt.Sprintf(`
		SELECT row_id, meter_number, reading_time, current_reading::text, previous_reading::text, created_on
		FROM %s
		WHERE row_id = $1
		FOR UPDATE
	`, s.tables.readings)

	reading, err := scanReading(s.tx.QueryRow(ctx, query, rowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.RawMeterReading{}, fmt.Errorf("reading row %d: %w", rowID, ErrNotFound)
	}
	if err != nil {
		return db.RawMeterReading{}, fmt.Errorf("failed to lock reading: %w", err)
	}
	return reading, nil
}

// UpdateReading writes the advanced reading
func (s *txStore) UpdateReading(ctx context.Context, reading db.MeterReading) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET previous_reading = $1, current_reading = $2, reading_time = $3
		WHERE row_id = $4
	`, s.tables.readings)

	tag, err := s.tx.Exec(ctx, query,
		reading.PreviousReading,
		reading.CurrentReading,
		reading.ReadingTime,
		reading.RowID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reading: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("reading row %d: %w", reading.RowID, ErrNotFound)
	}
	return nil
}

// LockBalance re-reads a prepaid balance and holds its lock until the transaction ends
func (s *txStore) LockBalance(ctx context.Context, balanceID int64) (*string, error) {
	query := fmt.Sprintf(`
		SELECT current_balance::text
		FROM %s
		WHERE balance_id = $1
		FOR UPDATE
	`, s.tables.balances)

	var balance *string
	err := s.tx.QueryRow(ctx, query, balanceID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("balance %d: %w", balanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return balance, nil
}

// UpdateBalance writes the prepaid balance after a deduction
func (s *txStore) UpdateBalance(ctx context.Context, balanceID int64, balance decimal.Decimal) error {
	query := fmt.Sprintf(`UPDATE %s SET current_balance = $1 WHERE balance_id = $2`, s.tables.balances)

	tag, err := s.tx.Exec(ctx, query, balance, balanceID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("balance %d: %w", balanceID, ErrNotFound)
	}
	return nil
}

// LatestBill gets the most recent bill of a meter, nil when none exists
func (s *txStore) LatestBill(ctx context.Context, meterNumber string) (*db.LastBill, error) {
	query := fmt.Sprintf(`
		SELECT bill_id, bill_period_end, current_reading::text
		FROM %s
		WHERE meter_number = $1
		ORDER BY bill_period_end DESC, bill_id DESC
		LIMIT 1
	`, s.tables.bills)

	var bill db.LastBill
	var current *string
	err := s.tx.QueryRow(ctx, query, meterNumber).Scan(&bill.BillID, &bill.PeriodEnd, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest bill: %w", err)
	}

	bill.CurrentReading, err = parseBillReading(bill.BillID, current)
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

// parseBillReading parses the current_reading of a stored bill. NULL or
// garbage is a data error: the next bill starts from this value.
func parseBillReading(billID int64, raw *string) (decimal.Decimal, error) {
	if raw == nil {
		return decimal.Zero, fmt.Errorf("bill %d has no current_reading: %w", billID, reading.ErrInvalidData)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("bill %d has invalid current_reading %q: %w", billID, *raw, reading.ErrInvalidData)
	}
	return value, nil
}

// RecentBillUnits gets units_consumed of the latest bills of a meter, newest first
func (s *txStore) RecentBillUnits(ctx context.Context, meterNumber string, limit int) ([]decimal.Decimal, error) {
	query := fmt.Sprintf(`
		SELECT units_consumed::text
		FROM %s
		WHERE meter_number = $1 AND units_consumed IS NOT NULL
		ORDER BY bill_period_end DESC
		LIMIT $2
	`, s.tables.bills)

	rows, err := s.tx.Query(ctx, query, meterNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bills: %w", err)
	}
	defer rows.Close()

	var values []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan units: %w", err)
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		values = append(values, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return values, nil
}

// InsertBill inserts a bill and fills in its generated id and creation time
func (s *txStore) InsertBill(ctx context.Context, bill *db.Bill) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			consumer_number, meter_number, bill_period_start, bill_period_end,
			reading_date, current_reading, previous_reading, units_consumed,
			energy_charges, fixed_charges, taxes, subsidy, other_charges,
			total_amount, due_date, bill_status, created_on
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING bill_id, created_on
	`, s.tables.bills)

	err := s.tx.QueryRow(ctx, query,
		bill.ConsumerNumber,
		bill.MeterNumber,
		bill.BillPeriodStart,
		bill.BillPeriodEnd,
		bill.ReadingDate,
		bill.CurrentReading,
		bill.PreviousReading,
		bill.UnitsConsumed,
		bill.EnergyCharges,
		bill.FixedCharges,
		bill.Taxes,
		bill.Subsidy,
		bill.OtherCharges,
		bill.TotalAmount,
		bill.DueDate,
		bill.BillStatus,
		bill.CreatedOn,
	).Scan(&bill.BillID, &bill.CreatedOn)
	if err != nil {
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func scanReading(row pgx.Row) (db.RawMeterReading, error) {
	var reading db.RawMeterReading
	err := row.Scan(
		&reading.RowID,
		&reading.MeterNumber,
		&reading.ReadingTime,
		&reading.CurrentReading,
		&reading.PreviousReading,
		&reading.CreatedOn,
	)
	return reading, err
}
