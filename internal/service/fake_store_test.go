package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/repository"
	"github.com/shopspring/decimal"
)

type prepaidRow struct {
	rowID     int64
	consumer  string
	userID    string
	tariff    *string
	balanceID int64
}

type postpaidRow struct {
	rowID    int64
	consumer string
	userID   string
	tariff   *string
}

// fakeStore keeps tables in memory. WithinTx restores every table when fn fails.
type fakeStore struct {
	mu       sync.Mutex
	readings map[int64]db.RawMeterReading
	balances map[int64]*string
	bills    []db.Bill
	prepaid  []prepaidRow
	postpaid []postpaidRow

	fetchErr         error
	updateBalanceErr error
	failBalanceFor   int64
	insertBillErr    error
	latestBillErr    error
	nextBillID       int64
	transactions     int
	rolledBack       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		readings: make(map[int64]db.RawMeterReading),
		balances: make(map[int64]*string),
	}
}

func str(s string) *string { return &s }

func (f *fakeStore) addReading(r db.RawMeterReading) {
	f.readings[r.RowID] = r
}

func (f *fakeStore) FetchPrepaidCandidates(ctx context.Context) ([]db.PrepaidCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []db.PrepaidCandidate
	for _, row := range f.prepaid {
		out = append(out, db.PrepaidCandidate{
			Reading:        f.readings[row.rowID],
			ConsumerNumber: row.consumer,
			UserID:         row.userID,
			TariffRate:     row.tariff,
			BalanceID:      row.balanceID,
			CurrentBalance: f.balances[row.balanceID],
		})
	}
	return out, nil
}

func (f *fakeStore) FetchPostpaidCandidates(ctx context.Context) ([]db.PostpaidCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []db.PostpaidCandidate
	for _, row := range f.postpaid {
		out = append(out, db.PostpaidCandidate{
			Reading:        f.readings[row.rowID],
			ConsumerNumber: row.consumer,
			UserID:         row.userID,
			ConnectionType: db.ConnectionPostpaid,
			TariffRate:     row.tariff,
		})
	}
	return out, nil
}

func (f *fakeStore) LatestReading(ctx context.Context, meterNumber string) (db.RawMeterReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *db.RawMeterReading
	for _, r := range f.readings {
		if r.MeterNumber != meterNumber {
			continue
		}
		if found == nil || r.ReadingTime.After(found.ReadingTime) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return db.RawMeterReading{}, fmt.Errorf("meter %s: %w", meterNumber, repository.ErrNotFound)
	}
	return *found, nil
}

func (f *fakeStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.TxStore) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions++

	readings := make(map[int64]db.RawMeterReading, len(f.readings))
	for k, v := range f.readings {
		readings[k] = v
	}
	balances := make(map[int64]*string, len(f.balances))
	for k, v := range f.balances {
		balances[k] = v
	}
	bills := append([]db.Bill(nil), f.bills...)
	nextBillID := f.nextBillID

	if err := fn(ctx, &fakeTx{store: f}); err != nil {
		f.readings = readings
		f.balances = balances
		f.bills = bills
		f.nextBillID = nextBillID
		f.rolledBack++
		return err
	}
	return nil
}

func (f *fakeStore) billsFor(meterNumber string) []db.Bill {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Bill
	for _, b := range f.bills {
		if b.MeterNumber == meterNumber {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeStore) current(rowID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.readings[rowID]
	if r.CurrentReading == nil {
		return ""
	}
	return *r.CurrentReading
}

func (f *fakeStore) balance(balanceID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.balances[balanceID]; b != nil {
		return *b
	}
	return ""
}

// fakeTx runs with the store mutex held by WithinTx
type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) LockReading(ctx context.Context, rowID int64) (db.RawMeterReading, error) {
	r, ok := t.store.readings[rowID]
	if !ok {
		return db.RawMeterReading{}, fmt.Errorf("reading row %d: %w", rowID, repository.ErrNotFound)
	}
	return r, nil
}

func (t *fakeTx) UpdateReading(ctx context.Context, r db.MeterReading) error {
	row, ok := t.store.readings[r.RowID]
	if !ok {
		return fmt.Errorf("reading row %d: %w", r.RowID, repository.ErrNotFound)
	}
	row.CurrentReading = str(r.CurrentReading.String())
	row.PreviousReading = str(r.PreviousReading.String())
	row.ReadingTime = r.ReadingTime
	t.store.readings[r.RowID] = row
	return nil
}

func (t *fakeTx) LockBalance(ctx context.Context, balanceID int64) (*string, error) {
	b, ok := t.store.balances[balanceID]
	if !ok {
		return nil, fmt.Errorf("balance %d: %w", balanceID, repository.ErrNotFound)
	}
	return b, nil
}

func (t *fakeTx) UpdateBalance(ctx context.Context, balanceID int64, amount decimal.Decimal) error {
	if t.store.updateBalanceErr != nil && (t.store.failBalanceFor == 0 || t.store.failBalanceFor == balanceID) {
		return t.store.updateBalanceErr
	}
	t.store.balances[balanceID] = str(amount.String())
	return nil
}

func (t *fakeTx) LatestBill(ctx context.Context, meterNumber string) (*db.LastBill, error) {
	if t.store.latestBillErr != nil {
		return nil, t.store.latestBillErr
	}
	var latest *db.Bill
	for i := range t.store.bills {
		b := &t.store.bills[i]
		if b.MeterNumber != meterNumber {
			continue
		}
		if latest == nil || b.BillPeriodEnd.After(latest.BillPeriodEnd) {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	return &db.LastBill{BillID: latest.BillID, PeriodEnd: latest.BillPeriodEnd, CurrentReading: latest.CurrentReading}, nil
}

func (t *fakeTx) RecentBillUnits(ctx context.Context, meterNumber string, limit int) ([]decimal.Decimal, error) {
	var bills []db.Bill
	for _, b := range t.store.bills {
		if b.MeterNumber == meterNumber {
			bills = append(bills, b)
		}
	}
	sort.Slice(bills, func(i, j int) bool { return bills[i].BillPeriodEnd.After(bills[j].BillPeriodEnd) })
	var out []decimal.Decimal
	for i, b := range bills {
		if i >= limit {
			break
		}
		out = append(out, b.UnitsConsumed)
	}
	return out, nil
}

func (t *fakeTx) InsertBill(ctx context.Context, bill *db.Bill) error {
	if t.store.insertBillErr != nil {
		return t.store.insertBillErr
	}
	t.store.nextBillID++
	bill.BillID = t.store.nextBillID
	t.store.bills = append(t.store.bills, *bill)
	return nil
}

type published struct {
	routingKey string
	payload    any
}

type fakePublisher struct {
	mu     sync.Mutex
	down   bool
	events []published
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("dial tcp: connection refused")
	}
	p.events = append(p.events, published{routingKey: routingKey, payload: payload})
	return nil
}

func (p *fakePublisher) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *fakePublisher) byKey(routingKey string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.routingKey == routingKey {
			out = append(out, e.payload)
		}
	}
	return out
}
