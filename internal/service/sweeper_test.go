package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/septivank/cis-meter-worker/internal/anomaly"
	"github.com/septivank/cis-meter-worker/internal/billing"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/mq"
	"github.com/septivank/cis-meter-worker/internal/reading"
	"github.com/septivank/cis-meter-worker/internal/tariff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	readingKey  = "meterredingkey"
	consumerKey = "consumerkey"
)

var sweepTime = time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

type harness struct {
	store     *fakeStore
	publisher *fakePublisher
	retry     *mq.RetryBuffer
	locker    *LocalLocker
	sweeper   *Sweeper
}

func newHarness(t *testing.T, increment int64, baseline int64) *harness {
	t.Helper()

	h := &harness{
		store:     newFakeStore(),
		publisher: &fakePublisher{},
		retry:     mq.NewRetryBuffer(100, 3, zap.NewNop()),
		locker:    NewLocalLocker(),
	}
	h.sweeper = NewSweeper(SweeperConfig{
		Store:      h.store,
		Publisher:  h.publisher,
		Retry:      h.retry,
		Locker:     h.locker,
		Calculator: tariff.NewCalculator(tariff.DefaultPolicy()),
		Advancer:   reading.NewAdvancer(reading.FixedSource(increment)),
		Baseline:   billing.FixedBaseline(decimal.NewFromInt(baseline)),
		Detector:   anomaly.NewDetector(3.0, 3),
		Routing:    Routing{Reading: readingKey, Consumer: consumerKey},
		Location:   time.UTC,
		Logger:     zap.NewNop(),
	})
	return h
}

func rawReading(rowID int64, meter, current string, readAt time.Time) db.RawMeterReading {
	return db.RawMeterReading{
		RowID:           rowID,
		MeterNumber:     meter,
		ReadingTime:     readAt,
		CurrentReading:  str(current),
		PreviousReading: str("0"),
	}
}

func (h *harness) addPostpaid(rowID int64, meter, consumer, current, rate string) {
	h.store.addReading(rawReading(rowID, meter, current, sweepTime.Add(-72*time.Hour)))
	h.store.postpaid = append(h.store.postpaid, postpaidRow{rowID: rowID, consumer: consumer, userID: consumer, tariff: str(rate)})
}

func (h *harness) addPrepaid(rowID int64, meter, consumer, current, rate string, balanceID int64, balance string) {
	h.store.addReading(rawReading(rowID, meter, current, sweepTime.Add(-72*time.Hour)))
	h.store.balances[balanceID] = str(balance)
	h.store.prepaid = append(h.store.prepaid, prepaidRow{rowID: rowID, consumer: consumer, userID: consumer, tariff: str(rate), balanceID: balanceID})
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestPostpaidSweep_FirstBill(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("Expected 1 processed, got %+v", report)
	}

	bills := h.store.billsFor("M1")
	if len(bills) != 1 {
		t.Fatalf("Expected 1 bill, got %d", len(bills))
	}
	bill := bills[0]

	checks := map[string]struct {
		got  decimal.Decimal
		want string
	}{
		"previous_reading": {bill.PreviousReading, "120"},
		"current_reading":  {bill.CurrentReading, "320"},
		"units_consumed":   {bill.UnitsConsumed, "200"},
		"energy_charges":   {bill.EnergyCharges, "1000"},
		"fixed_charges":    {bill.FixedCharges, "150"},
		"taxes":            {bill.Taxes, "180"},
		"subsidy":          {bill.Subsidy, "50"},
		"other_charges":    {bill.OtherCharges, "0"},
		"total_amount":     {bill.TotalAmount, "1280"},
	}
	for name, c := range checks {
		if !c.got.Equal(mustDecimal(t, c.want)) {
			t.Errorf("Expected %s %s, got %s", name, c.want, c.got)
		}
	}

	if bill.BillStatus != db.BillStatusGenerated {
		t.Errorf("Expected status 'generated', got '%s'", bill.BillStatus)
	}
	wantStart := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	wantDue := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	if !bill.BillPeriodStart.Equal(wantStart) || !bill.BillPeriodEnd.Equal(wantEnd) || !bill.DueDate.Equal(wantDue) {
		t.Errorf("Expected period %v..%v due %v, got %v..%v due %v",
			wantStart, wantEnd, wantDue, bill.BillPeriodStart, bill.BillPeriodEnd, bill.DueDate)
	}

	if got := h.store.current(1); got != "320" {
		t.Errorf("Expected meter advanced to 320, got %s", got)
	}

	if n := len(h.publisher.byKey(readingKey)); n != 1 {
		t.Errorf("Expected 1 reading event, got %d", n)
	}
	billEvents := h.publisher.byKey(consumerKey)
	if len(billEvents) != 1 {
		t.Fatalf("Expected 1 bill event, got %d", len(billEvents))
	}
	event, ok := billEvents[0].(BillEvent)
	if !ok {
		t.Fatalf("Expected BillEvent, got %T", billEvents[0])
	}
	if event.MeterNumber != "M1" || event.BillID == 0 || event.EventType != EventBillGenerated {
		t.Errorf("Expected bill event for M1 with an id, got %+v", event)
	}
}

func TestPostpaidSweep_SecondSweepInWindowInsertsNothing(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")

	if _, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime.Add(19*time.Hour))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if n := len(h.store.billsFor("M1")); n != 1 {
		t.Errorf("Expected still 1 bill, got %d", n)
	}
	if report.Processed != 0 || report.Unchanged != 1 {
		t.Errorf("Expected meter unchanged on second sweep, got %+v", report)
	}
	if got := h.store.current(1); got != "320" {
		t.Errorf("Expected reading untouched by second sweep, got %s", got)
	}
}

func TestPostpaidSweep_NextBillChainsPreviousReading(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")

	if _, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	next := time.Date(2025, 7, 1, 14, 0, 0, 0, time.UTC)
	if _, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, next); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	bills := h.store.billsFor("M1")
	if len(bills) != 2 {
		t.Fatalf("Expected 2 bills, got %d", len(bills))
	}
	if !bills[1].PreviousReading.Equal(bills[0].CurrentReading) {
		t.Errorf("Expected previous_reading %s, got %s", bills[0].CurrentReading, bills[1].PreviousReading)
	}
	if !bills[1].UnitsConsumed.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected 20 units, got %s", bills[1].UnitsConsumed)
	}
}

func TestPostpaidSweep_ZeroTariffSkipped(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "0")
	h.addPostpaid(2, "M2", "C2", "300", "5.0")

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	outcome, ok := report.Outcome("M1")
	if !ok || outcome.Status != StatusSkipped || outcome.Reason == "" {
		t.Errorf("Expected M1 skipped with a reason, got %+v", outcome)
	}
	if n := len(h.store.billsFor("M1")); n != 0 {
		t.Errorf("Expected no bill for M1, got %d", n)
	}
	if got := h.store.current(1); got != "300" {
		t.Errorf("Expected M1 reading untouched, got %s", got)
	}
	if n := len(h.store.billsFor("M2")); n != 1 {
		t.Errorf("Expected M2 billed, got %d bills", n)
	}
}

func TestPostpaidSweep_NegativeConsumptionSkipped(t *testing.T) {
	h := newHarness(t, 0, 500)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")

	report, _ := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)

	outcome, _ := report.Outcome("M1")
	if outcome.Status != StatusSkipped {
		t.Errorf("Expected skipped for negative consumption, got %+v", outcome)
	}
	if got := h.store.current(1); got != "300" {
		t.Errorf("Expected reading untouched, got %s", got)
	}
	if n := len(h.store.billsFor("M1")); n != 0 {
		t.Errorf("Expected no bill, got %d", n)
	}
}

func TestPostpaidSweep_UnreadableLastBillSkipped(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")
	h.store.latestBillErr = fmt.Errorf("bill 7 has no current_reading: %w", reading.ErrInvalidData)

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.Skipped != 1 || report.Failed != 0 {
		t.Errorf("Expected meter skipped as a data error, got %+v", report)
	}
	if h.store.current(1) != "300" {
		t.Errorf("Expected reading untouched, got %s", h.store.current(1))
	}
	if n := len(h.publisher.byKey(readingKey)) + len(h.publisher.byKey(consumerKey)); n != 0 {
		t.Errorf("Expected no events, got %d", n)
	}
}

func TestPostpaidSweep_JoinFanOutBillsOnce(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")
	// the same meter joined twice
	h.store.postpaid = append(h.store.postpaid, h.store.postpaid[0])

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if report.Candidates != 1 || len(report.Records) != 1 {
		t.Errorf("Expected one record per meter, got %+v", report)
	}
	if n := len(h.store.billsFor("M1")); n != 1 {
		t.Errorf("Expected exactly 1 bill, got %d", n)
	}
}

func TestPostpaidSweep_AnomalyFlaggedOnEvent(t *testing.T) {
	h := newHarness(t, 60, 0)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")
	for i, end := range []time.Time{
		time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
	} {
		h.store.bills = append(h.store.bills, db.Bill{
			BillID:         int64(i + 1),
			MeterNumber:    "M1",
			BillPeriodEnd:  end,
			CurrentReading: decimal.NewFromInt(300),
			UnitsConsumed:  decimal.NewFromInt(10),
		})
	}
	h.store.nextBillID = 3

	if _, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	events := h.publisher.byKey(consumerKey)
	if len(events) != 1 {
		t.Fatalf("Expected 1 bill event, got %d", len(events))
	}
	event := events[0].(BillEvent)
	if event.AnomalyReason == "" {
		t.Error("Expected anomaly reason on a 60 unit bill after 10 unit bills")
	}
	if !event.UnitsConsumed.Equal(decimal.NewFromInt(60)) {
		t.Errorf("Expected 60 units, got %s", event.UnitsConsumed)
	}
}

func TestPrepaidSweep_BalanceClampsAtZero(t *testing.T) {
	h := newHarness(t, 14, 0)
	h.addPrepaid(1, "P1", "C1", "100", "5", 10, "50")

	report, err := h.sweeper.RunSweep(context.Background(), ModePrepaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("Expected 1 processed, got %+v", report)
	}

	if got := h.store.balance(10); !mustDecimal(t, got).IsZero() {
		t.Errorf("Expected balance 0, got %s", got)
	}
	if got := h.store.current(1); got != "114" {
		t.Errorf("Expected reading 114, got %s", got)
	}

	events := h.publisher.byKey(consumerKey)
	if len(events) != 1 {
		t.Fatalf("Expected 1 balance event, got %d", len(events))
	}
	event := events[0].(BalanceEvent)
	if !event.Charge.Equal(decimal.NewFromInt(70)) {
		t.Errorf("Expected charge 70, got %s", event.Charge)
	}
	if !event.PreviousBalance.Equal(decimal.NewFromInt(50)) || !event.CurrentBalance.IsZero() {
		t.Errorf("Expected balance 50 -> 0, got %s -> %s", event.PreviousBalance, event.CurrentBalance)
	}
}

func TestPrepaidSweep_DBErrorRollsBackOneMeter(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.addPrepaid(1, "P1", "C1", "100", "5", 10, "500")
	h.addPrepaid(2, "P2", "C2", "100", "5", 20, "500")
	h.store.updateBalanceErr = errors.New("connection reset by peer")
	h.store.failBalanceFor = 10

	report, err := h.sweeper.RunSweep(context.Background(), ModePrepaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected sweep to complete, got %v", err)
	}

	if outcome, _ := report.Outcome("P1"); outcome.Status != StatusFailed {
		t.Errorf("Expected P1 failed, got %+v", outcome)
	}
	if got := h.store.current(1); got != "100" {
		t.Errorf("Expected P1 reading rolled back to 100, got %s", got)
	}
	if got := h.store.balance(10); got != "500" {
		t.Errorf("Expected P1 balance untouched, got %s", got)
	}

	if outcome, _ := report.Outcome("P2"); outcome.Status != StatusProcessed {
		t.Errorf("Expected P2 processed, got %+v", outcome)
	}
	if got := h.store.balance(20); !mustDecimal(t, got).Equal(decimal.NewFromInt(450)) {
		t.Errorf("Expected P2 balance 450, got %s", got)
	}
	if h.store.rolledBack != 1 {
		t.Errorf("Expected 1 rollback, got %d", h.store.rolledBack)
	}
}

func TestPrepaidSweep_InvalidBalanceSkipped(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.addPrepaid(1, "P1", "C1", "100", "5", 10, "not-a-number")

	report, _ := h.sweeper.RunSweep(context.Background(), ModePrepaid, sweepTime)

	if outcome, _ := report.Outcome("P1"); outcome.Status != StatusSkipped {
		t.Errorf("Expected P1 skipped, got %+v", outcome)
	}
	if h.store.transactions != 0 {
		t.Errorf("Expected no transaction for invalid data, got %d", h.store.transactions)
	}
}

func TestRunSweep_OverlapIsNoOp(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")

	release, ok, _ := h.locker.TryLock(context.Background(), string(ModePostpaid))
	if !ok {
		t.Fatal("Expected to take the lock")
	}

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)
	if !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("Expected ErrSweepInProgress, got %v", err)
	}
	if !report.Aborted || len(report.Records) != 0 {
		t.Errorf("Expected aborted report with no records, got %+v", report)
	}
	if h.store.transactions != 0 {
		t.Errorf("Expected no meter touched, got %d transactions", h.store.transactions)
	}

	// other modes keep running
	if _, err := h.sweeper.RunSweep(context.Background(), ModePrepaid, sweepTime); err != nil {
		t.Errorf("Expected prepaid sweep to run, got %v", err)
	}

	release()
	if _, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime); err != nil {
		t.Errorf("Expected sweep after release to run, got %v", err)
	}
}

func TestRunSweep_BrokerDownStillPersists(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")
	h.publisher.setDown(true)

	report, err := h.sweeper.RunSweep(context.Background(), ModePostpaid, sweepTime)
	if err != nil {
		t.Fatalf("Expected sweep to complete, got %v", err)
	}

	outcome, _ := report.Outcome("M1")
	if outcome.Status != StatusProcessed || outcome.Published {
		t.Errorf("Expected processed but unpublished, got %+v", outcome)
	}
	if report.Unpublished != 1 {
		t.Errorf("Expected 1 unpublished, got %d", report.Unpublished)
	}
	if n := len(h.store.billsFor("M1")); n != 1 {
		t.Errorf("Expected bill persisted, got %d", n)
	}
	if h.sweeper.Pending() != 2 {
		t.Errorf("Expected 2 buffered events, got %d", h.sweeper.Pending())
	}

	h.publisher.setDown(false)
	stats := h.sweeper.Reconcile(context.Background())
	if stats.Republished != 2 {
		t.Errorf("Expected 2 republished, got %+v", stats)
	}
	if n := len(h.publisher.byKey(consumerKey)); n != 1 {
		t.Errorf("Expected bill event after reconcile, got %d", n)
	}
	if h.sweeper.Pending() != 0 {
		t.Errorf("Expected empty buffer, got %d", h.sweeper.Pending())
	}
}

func TestRunSweep_FetchErrorAborts(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.store.fetchErr = errors.New("relation does not exist")

	report, err := h.sweeper.RunSweep(context.Background(), ModePrepaid, sweepTime)
	if err == nil {
		t.Fatal("Expected fetch error")
	}
	if !report.Aborted || report.Error == "" {
		t.Errorf("Expected aborted report with error, got %+v", report)
	}

	// lock is released after an aborted sweep
	h.store.fetchErr = nil
	if _, err := h.sweeper.RunSweep(context.Background(), ModePrepaid, sweepTime); err != nil {
		t.Errorf("Expected next sweep to run, got %v", err)
	}
}

func TestRunSweep_CancelledStopsBetweenMeters(t *testing.T) {
	h := newHarness(t, 20, 120)
	h.addPostpaid(1, "M1", "C1", "300", "5.0")
	h.addPostpaid(2, "M2", "C2", "300", "5.0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.sweeper.RunSweep(ctx, ModePostpaid, sweepTime)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if !report.Interrupted || len(report.Records) != 0 {
		t.Errorf("Expected interrupted report with no records, got %+v", report)
	}
	if h.store.transactions != 0 {
		t.Errorf("Expected no meter started, got %d", h.store.transactions)
	}
}

func TestRunSweep_UnknownMode(t *testing.T) {
	h := newHarness(t, 20, 120)
	if _, err := h.sweeper.RunSweep(context.Background(), Mode("weekly"), sweepTime); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Expected ErrUnknownMode, got %v", err)
	}
}

func TestDedupe_LatestReadingThenLowestRowID(t *testing.T) {
	base := sweepTime.Add(-time.Hour)
	rows := []db.PostpaidCandidate{
		{Reading: db.RawMeterReading{RowID: 5, MeterNumber: "B", ReadingTime: base}},
		{Reading: db.RawMeterReading{RowID: 3, MeterNumber: "A", ReadingTime: base.Add(-time.Hour)}},
		{Reading: db.RawMeterReading{RowID: 4, MeterNumber: "B", ReadingTime: base}},
		{Reading: db.RawMeterReading{RowID: 9, MeterNumber: "A", ReadingTime: base}},
	}

	got := dedupe(rows, func(c db.PostpaidCandidate) db.RawMeterReading { return c.Reading }, comparePostpaid)

	if len(got) != 2 {
		t.Fatalf("Expected 2 meters, got %d", len(got))
	}
	if got[0].Reading.MeterNumber != "A" || got[0].Reading.RowID != 9 {
		t.Errorf("Expected A with latest row 9, got %+v", got[0].Reading)
	}
	if got[1].Reading.MeterNumber != "B" || got[1].Reading.RowID != 4 {
		t.Errorf("Expected B tie broken to row 4, got %+v", got[1].Reading)
	}
}

func TestDedupe_FanOutIndependentOfRowOrder(t *testing.T) {
	shared := db.RawMeterReading{RowID: 1, MeterNumber: "M1", ReadingTime: sweepTime.Add(-time.Hour)}
	a := db.PrepaidCandidate{Reading: shared, ConsumerNumber: "C1", BalanceID: 10}
	b := db.PrepaidCandidate{Reading: shared, ConsumerNumber: "C1", BalanceID: 20}
	c := db.PrepaidCandidate{Reading: shared, ConsumerNumber: "C0", BalanceID: 30}
	readingOf := func(row db.PrepaidCandidate) db.RawMeterReading { return row.Reading }

	for _, rows := range [][]db.PrepaidCandidate{{a, b}, {b, a}} {
		got := dedupe(rows, readingOf, comparePrepaid)
		if len(got) != 1 || got[0].BalanceID != 10 {
			t.Errorf("Expected balance 10 to win, got %+v", got)
		}
	}

	for _, rows := range [][]db.PrepaidCandidate{{a, b, c}, {c, b, a}, {b, c, a}} {
		got := dedupe(rows, readingOf, comparePrepaid)
		if len(got) != 1 || got[0].ConsumerNumber != "C0" || got[0].BalanceID != 30 {
			t.Errorf("Expected consumer C0 to win, got %+v", got)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Prepaid "); err != nil || m != ModePrepaid {
		t.Errorf("Expected prepaid, got %q %v", m, err)
	}
	if _, err := ParseMode("daily"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Expected ErrUnknownMode, got %v", err)
	}
}
