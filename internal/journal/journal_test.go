package journal

import (
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/orderbook"
	"github.com/exchange/spot/internal/repository"
	"github.com/exchange/spot/pkg/logger"
)

type seqID struct{ n int64 }

func (s *seqID) NextID() int64 {
	s.n++
	return s.n
}

func newJournal(t *testing.T) (*Journal, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	j := New(
		repository.NewOrderRepository(db),
		repository.NewTradeRepository(db),
		repository.NewBalanceRepository(db),
		&seqID{},
		logger.New("journal-test", io.Discard),
		16,
	)
	return j, mock
}

func TestJournalPersistsInOrder(t *testing.T) {
	j, mock := newJournal(t)

	// 顺序：订单快照、账本流水、成交
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.orders`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.ledger_entries`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.balances`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.trades`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	j.Start()

	j.OnEvent(engine.Event{
		Type:   engine.EventOrderAccepted,
		Symbol: "BTC-USDT",
		Order:  &orderbook.Order{OrderID: 1, UserID: 11, Symbol: "BTC-USDT", Side: orderbook.SideBuy, Type: orderbook.TypeLimit, TimeInForce: orderbook.TifGTC, Price: 100, OrigQty: 1, LeavesQty: 1, Status: orderbook.StatusNew},
	})
	j.OnLedgerEntry(ledger.Entry{UserID: 11, Asset: "USDT", Reason: ledger.ReasonReserve, AvailableDelta: -100, LockedDelta: 100, LockedAfter: 100, RefID: 1})
	j.OnEvent(engine.Event{
		Type:   engine.EventTrade,
		Symbol: "BTC-USDT",
		Trade:  &engine.Trade{TradeID: 2, Symbol: "BTC-USDT", Price: 100, Qty: 1, QuoteQty: 100, TakerSide: orderbook.SideSell},
	})

	j.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJournalDrainsOnClose(t *testing.T) {
	j, mock := newJournal(t)

	for i := 0; i < 5; i++ {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spot.orders`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	j.Start()
	for i := 0; i < 5; i++ {
		j.OnEvent(engine.Event{
			Type:  engine.EventOrderUpdated,
			Order: &orderbook.Order{OrderID: int64(i + 1), Symbol: "BTC-USDT", Status: orderbook.StatusFilled},
		})
	}
	j.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("close must drain queue: %v", err)
	}
}
