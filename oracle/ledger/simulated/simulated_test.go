package simulated

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

type LedgerTestSuite struct {
	suite.Suite
	ledger  *Ledger
	ctx     context.Context
	cancel  context.CancelFunc
	airline common.Address
}

func TestLedgerTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (s *LedgerTestSuite) SetupTest() {
	s.ledger = New(Config{Accounts: 5})
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Second)
	s.airline = AccountAt(0)
}

func (s *LedgerTestSuite) TearDownTest() {
	s.cancel()
	s.ledger.Close()
}

func (s *LedgerTestSuite) register(account common.Address) types.IndexSet {
	fee, err := s.ledger.QueryFee(s.ctx)
	s.Require().NoError(err)

	_, err = s.ledger.Send(s.ctx, ledger.MethodRegisterOracle, nil, ledger.SendOpts{From: account, Value: fee})
	s.Require().NoError(err)

	out, err := s.ledger.Call(s.ctx, ledger.MethodGetMyIndexes, nil, account)
	s.Require().NoError(err)

	indexes, err := types.ParseIndexes(out, types.DefaultIndexCategories)
	s.Require().NoError(err)
	return indexes
}

func (s *LedgerTestSuite) TestAccounts() {
	accounts, err := s.ledger.Accounts(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(accounts, 5)
	s.Equal(AccountAt(3), accounts[3])
}

func (s *LedgerTestSuite) TestRegisterOracle() {
	account := AccountAt(1)
	before := s.ledger.Balance(account)

	indexes := s.register(account)

	recorded, ok := s.ledger.Indexes(account)
	s.Require().True(ok)
	s.Equal(indexes, recorded)

	spent := new(big.Int).Sub(before, s.ledger.Balance(account))
	s.Equal(0, spent.Cmp(DefaultConfig().Fee))
}

func (s *LedgerTestSuite) TestRegisterOracle_FeeTooLow() {
	_, err := s.ledger.Send(s.ctx, ledger.MethodRegisterOracle, nil, ledger.SendOpts{
		From:  AccountAt(1),
		Value: big.NewInt(1),
	})
	s.Require().Error(err)

	var txErr *ledger.TxError
	s.Require().True(errors.As(err, &txErr))
	s.Equal(ReasonFeeRequired, txErr.Reason)
}

func (s *LedgerTestSuite) TestRegisterOracle_Twice() {
	s.register(AccountAt(1))

	_, err := s.ledger.Send(s.ctx, ledger.MethodRegisterOracle, nil, ledger.SendOpts{
		From:  AccountAt(1),
		Value: DefaultConfig().Fee,
	})
	s.Require().Error(err)
	s.Contains(err.Error(), ReasonAlreadyRegistered)
}

func (s *LedgerTestSuite) TestGetMyIndexes_NotRegistered() {
	_, err := s.ledger.Call(s.ctx, ledger.MethodGetMyIndexes, nil, AccountAt(2))
	s.Require().Error(err)
	s.Contains(err.Error(), ReasonNotRegistered)
}

func (s *LedgerTestSuite) TestGeneratedIndexesAreDistinct() {
	l := New(Config{Accounts: 40, Seed: 7})
	defer l.Close()

	for i := 0; i < 40; i++ {
		_, err := l.Send(s.ctx, ledger.MethodRegisterOracle, nil, ledger.SendOpts{From: AccountAt(i), Value: DefaultConfig().Fee})
		s.Require().NoError(err)

		indexes, ok := l.Indexes(AccountAt(i))
		s.Require().True(ok)
		_, err = types.NewIndexSet(indexes[:], types.DefaultIndexCategories)
		s.Require().NoError(err)
	}
}

func (s *LedgerTestSuite) TestFetchFlightStatus_EmitsRequest() {
	sub, err := s.ledger.Subscribe(s.ctx, ledger.EventOracleRequest, 0)
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	_, err = s.ledger.Send(s.ctx, ledger.MethodFetchFlightStatus, []any{s.airline, "ND1309", big.NewInt(1700000000)}, ledger.SendOpts{From: AccountAt(4)})
	s.Require().NoError(err)

	select {
	case event := <-sub.Events():
		req, err := types.ParseStatusRequest(event)
		s.Require().NoError(err)
		s.Equal("ND1309", req.Flight)
		s.Equal(s.airline, req.Airline)
		s.Less(req.Index, uint8(types.DefaultIndexCategories))
	case <-s.ctx.Done():
		s.Fail("no event received")
	}
}

func (s *LedgerTestSuite) TestSubmitOracleResponse_Resolves() {
	timestamp := big.NewInt(1700000000)
	var oracles []common.Address
	for i := 1; i <= 3; i++ {
		account := AccountAt(i)
		s.ledger.Register(account, types.IndexSet{2, 4, 6})
		oracles = append(oracles, account)
	}
	s.ledger.OpenRequest(2, s.airline, "ND1309", timestamp)

	args := []any{uint8(2), s.airline, "ND1309", timestamp, uint8(types.StatusLateAirline)}
	for _, oracle := range oracles {
		_, err := s.ledger.Send(s.ctx, ledger.MethodSubmitOracleResponse, args, ledger.SendOpts{From: oracle})
		s.Require().NoError(err)
	}

	status, ok := s.ledger.Resolved(2, s.airline, "ND1309", timestamp)
	s.Require().True(ok)
	s.Equal(types.StatusLateAirline, status)
	s.Len(s.ledger.History(ledger.EventOracleReport), 3)
	s.Len(s.ledger.History(ledger.EventFlightStatusInfo), 1)

	// closed requests reject late responses
	s.ledger.Register(AccountAt(4), types.IndexSet{2, 3, 5})
	_, err := s.ledger.Send(s.ctx, ledger.MethodSubmitOracleResponse, args, ledger.SendOpts{From: AccountAt(4)})
	s.Require().Error(err)
	s.Contains(err.Error(), ReasonRequestMismatch)
}

func (s *LedgerTestSuite) TestSubmitOracleResponse_Rejections() {
	timestamp := big.NewInt(1700000000)
	s.ledger.Register(AccountAt(1), types.IndexSet{1, 2, 3})
	s.ledger.OpenRequest(2, s.airline, "ND1309", timestamp)

	testCases := []struct {
		name   string
		from   common.Address
		args   []any
		reason string
	}{
		{"index not assigned", AccountAt(1), []any{uint8(7), s.airline, "ND1309", timestamp, uint8(10)}, ReasonIndexMismatch},
		{"not registered", AccountAt(2), []any{uint8(2), s.airline, "ND1309", timestamp, uint8(10)}, ReasonIndexMismatch},
		{"unknown flight", AccountAt(1), []any{uint8(2), s.airline, "XX0001", timestamp, uint8(10)}, ReasonRequestMismatch},
		{"wrong timestamp", AccountAt(1), []any{uint8(2), s.airline, "ND1309", big.NewInt(1), uint8(10)}, ReasonRequestMismatch},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			_, err := s.ledger.Send(s.ctx, ledger.MethodSubmitOracleResponse, tc.args, ledger.SendOpts{From: tc.from})
			s.Require().Error(err)
			s.Contains(err.Error(), tc.reason)
		})
	}
}

func (s *LedgerTestSuite) TestSubscribe_ReplaysFromBlock() {
	s.ledger.OpenRequest(1, s.airline, "A1", big.NewInt(1))
	s.ledger.OpenRequest(2, s.airline, "A2", big.NewInt(2))
	s.ledger.OpenRequest(3, s.airline, "A3", big.NewInt(3))

	sub, err := s.ledger.Subscribe(s.ctx, ledger.EventOracleRequest, 2)
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	var flights []string
	for len(flights) < 2 {
		select {
		case event := <-sub.Events():
			flights = append(flights, event.Fields[ledger.FieldFlight].(string))
		case <-s.ctx.Done():
			s.FailNow("timed out")
		}
	}
	s.Equal([]string{"A2", "A3"}, flights)
}

func (s *LedgerTestSuite) TestDropSubscriptions() {
	sub, err := s.ledger.Subscribe(s.ctx, ledger.EventOracleRequest, 0)
	s.Require().NoError(err)

	s.ledger.DropSubscriptions(errors.New("connection reset"))

	select {
	case err := <-sub.Err():
		s.EqualError(err, "connection reset")
	case <-s.ctx.Done():
		s.FailNow("no error reported")
	}

	select {
	case _, ok := <-sub.Events():
		s.False(ok)
	case <-s.ctx.Done():
		s.FailNow("events not closed")
	}
	s.Equal(0, s.ledger.Subscriptions())
}

func (s *LedgerTestSuite) TestFailNext() {
	s.ledger.FailNext(ledger.MethodRegistrationFee, errors.New("rpc unavailable"))

	_, err := s.ledger.QueryFee(s.ctx)
	s.Require().EqualError(err, "rpc unavailable")

	fee, err := s.ledger.QueryFee(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, fee.Cmp(DefaultConfig().Fee))
}

func (s *LedgerTestSuite) TestSendDelay_RespectsContext() {
	s.ledger.SetSendDelay(ledger.MethodFetchFlightStatus, time.Minute)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()

	_, err := s.ledger.Send(ctx, ledger.MethodFetchFlightStatus, []any{s.airline, "A1", big.NewInt(1)}, ledger.SendOpts{From: AccountAt(1)})
	s.Require().ErrorIs(err, context.DeadlineExceeded)
}

func (s *LedgerTestSuite) TestClose() {
	s.ledger.Close()

	_, err := s.ledger.Accounts(s.ctx)
	s.Require().ErrorIs(err, ErrClosed)
}
