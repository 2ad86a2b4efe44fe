package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/exchange/spot/internal/ledger"
)

func TestBalanceRepository_ApplyEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewBalanceRepository(db)
	entry := &LedgerEntry{
		EntryID: 7,
		Entry: ledger.Entry{
			UserID:         11,
			Asset:          "USDT",
			Reason:         ledger.ReasonReserve,
			AvailableDelta: -100,
			LockedDelta:    100,
			AvailableAfter: 900,
			LockedAfter:    100,
			RefID:          55,
			TimeMs:         1000,
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.ledger_entries`)).
		WithArgs(entry.EntryID, entry.UserID, entry.Asset, entry.Reason,
			entry.AvailableDelta, entry.LockedDelta, entry.AvailableAfter, entry.LockedAfter,
			entry.RefID, entry.TimeMs).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.balances`)).
		WithArgs(entry.UserID, entry.Asset, entry.AvailableAfter, entry.LockedAfter, entry.TimeMs).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.ApplyEntry(context.Background(), entry); err != nil {
		t.Fatalf("apply entry: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBalanceRepository_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewBalanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM spot.balances`)).
		WithArgs(int64(11), "USDT").
		WillReturnRows(sqlmock.NewRows([]string{"available", "locked"}).AddRow(900, 100))

	b, err := repo.Get(context.Background(), 11, "USDT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Available != 900 || b.Locked != 100 {
		t.Fatalf("balance = %+v", b)
	}

	// 不存在的账户返回零余额
	mock.ExpectQuery(regexp.QuoteMeta(`FROM spot.balances`)).
		WithArgs(int64(99), "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"available", "locked"}))

	b, err = repo.Get(context.Background(), 99, "BTC")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if b.Total() != 0 {
		t.Fatalf("missing balance = %+v", b)
	}
}

func TestBalanceRepository_AssetTotals(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewBalanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY asset`)).
		WillReturnRows(sqlmock.NewRows([]string{"asset", "total"}).
			AddRow("BTC", int64(5e8)).
			AddRow("USDT", int64(100000e8)))

	totals, err := repo.AssetTotals(context.Background())
	if err != nil {
		t.Fatalf("asset totals: %v", err)
	}
	if totals["BTC"] != int64(5e8) || totals["USDT"] != int64(100000e8) {
		t.Fatalf("totals = %+v", totals)
	}
}
