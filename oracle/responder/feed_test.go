package responder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger/simulated"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

func (s *ResponderTestSuite) feedServer() *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flights/ND1309":
			if r.URL.Query().Get("at") != "1700000000" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"flight":{"number":"ND1309","status":20}}`))
		case "/flights/ND1310":
			_, _ = w.Write([]byte(`{"flight":{"number":"ND1310","status":"LATE_WEATHER"}}`))
		case "/flights/ND1311":
			_, _ = w.Write([]byte(`{"flight":{"number":"ND1311","status":"DELAYED"}}`))
		case "/flights/ND1312":
			_, _ = w.Write([]byte(`{"flight":{"number":"ND1312"}}`))
		case "/flights/ND 1314/A?&#":
			if r.URL.Query().Get("at") != "1700000000" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"flight":{"status":"LATE_TECHNICAL"}}`))
		case "/flights/ND1313":
			_, _ = w.Write([]byte(`{"flight":"invalid`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	s.T().Cleanup(server.Close)
	return server
}

func (s *ResponderTestSuite) TestFeedSource() {
	server := s.feedServer()
	source := NewFeedSource(server.URL+"/flights/{flight}?at={timestamp}", "flight.status", time.Second)

	testCases := []struct {
		name        string
		flight      string
		expectError bool
		expected    types.StatusCode
	}{
		{"numeric status", "ND1309", false, types.StatusLateAirline},
		{"named status", "ND1310", false, types.StatusLateWeather},
		{"escaped flight", "ND 1314/A?&#", false, types.StatusLateTechnical},
		{"unknown status", "ND1311", true, 0},
		{"missing path", "ND1312", true, 0},
		{"invalid json", "ND1313", true, 0},
		{"not found", "XX0000", true, 0},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			req := s.request
			req.Flight = tc.flight

			code, err := source.Status(context.Background(), req)
			if tc.expectError {
				s.Error(err)
				return
			}
			s.Require().NoError(err)
			s.Equal(tc.expected, code)
		})
	}
}

func (s *ResponderTestSuite) TestFeedSource_EscapesQueryValues() {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("flight")
		_, _ = w.Write([]byte(`{"status":0}`))
	}))
	defer server.Close()

	req := s.request
	req.Flight = "ND 1309&at=1"

	source := NewFeedSource(server.URL+"/status?flight={flight}&at={timestamp}", "status", time.Second)
	code, err := source.Status(context.Background(), req)
	s.Require().NoError(err)
	s.Equal(types.StatusUnknown, code)
	s.Equal("ND 1309&at=1", got)
}

func (s *ResponderTestSuite) TestRespond_UsesSource() {
	server := s.feedServer()

	oracle := types.OracleIdentity{Account: simulated.AccountAt(1), Indexes: types.IndexSet{1, 2, 3}}
	s.ledger.Register(oracle.Account, oracle.Indexes)
	r := New(s.ledger, FixedPicker(types.StatusOnTime), 0, s.metrics)
	r.SetSource(NewFeedSource(server.URL+"/flights/{flight}?at={timestamp}", "flight.status", time.Second))

	attempt := r.Respond(s.ctx, oracle, s.request)
	s.Require().True(attempt.Succeeded())
	s.Equal(types.StatusLateAirline, attempt.StatusCode)
}

func (s *ResponderTestSuite) TestRespond_SourceFallsBackToPicker() {
	server := s.feedServer()

	oracle := types.OracleIdentity{Account: simulated.AccountAt(1), Indexes: types.IndexSet{1, 2, 3}}
	s.ledger.Register(oracle.Account, oracle.Indexes)
	r := New(s.ledger, FixedPicker(types.StatusLateTechnical), 0, s.metrics)
	r.SetSource(NewFeedSource(server.URL+"/unknown/{flight}", "flight.status", time.Second))

	attempt := r.Respond(s.ctx, oracle, s.request)
	s.Require().True(attempt.Succeeded())
	s.Equal(types.StatusLateTechnical, attempt.StatusCode)
}
