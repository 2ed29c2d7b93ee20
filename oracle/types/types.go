package types

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
)

// IndexSetSize is the number of indexes the registry assigns to each oracle.
const IndexSetSize = 3

// DefaultIndexCategories is the exclusive upper bound of an index on the registry.
const DefaultIndexCategories = 10

type StatusCode uint8

const (
	StatusUnknown       StatusCode = 0
	StatusOnTime        StatusCode = 10
	StatusLateAirline   StatusCode = 20
	StatusLateWeather   StatusCode = 30
	StatusLateTechnical StatusCode = 40
	StatusLateOther     StatusCode = 50
)

// AllStatusCodes is the fixed set a responder draws from.
var AllStatusCodes = []StatusCode{
	StatusUnknown,
	StatusOnTime,
	StatusLateAirline,
	StatusLateWeather,
	StatusLateTechnical,
	StatusLateOther,
}

func (s StatusCode) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusOnTime:
		return "ON_TIME"
	case StatusLateAirline:
		return "LATE_AIRLINE"
	case StatusLateWeather:
		return "LATE_WEATHER"
	case StatusLateTechnical:
		return "LATE_TECHNICAL"
	case StatusLateOther:
		return "LATE_OTHER"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

func (s StatusCode) Valid() bool {
	for _, code := range AllStatusCodes {
		if code == s {
			return true
		}
	}
	return false
}

// ParseStatusCode accepts either a status name or its numeric value.
func ParseStatusCode(s string) (StatusCode, error) {
	for _, code := range AllStatusCodes {
		if code.String() == s || fmt.Sprint(uint8(code)) == s {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown status code: %q", s)
}

// IndexSet is the unordered triplet of request indexes an oracle answers for.
type IndexSet [IndexSetSize]uint8

// NewIndexSet validates that values hold exactly IndexSetSize distinct indexes below categories.
func NewIndexSet(values []uint8, categories uint8) (IndexSet, error) {
	var set IndexSet
	if len(values) != IndexSetSize {
		return set, fmt.Errorf("expected %d indexes, got %d", IndexSetSize, len(values))
	}

	for i, v := range values {
		if categories != 0 && v >= categories {
			return set, fmt.Errorf("index %d out of range [0, %d)", v, categories)
		}
		for _, prev := range values[:i] {
			if prev == v {
				return set, fmt.Errorf("duplicate index %d", v)
			}
		}
		set[i] = v
	}

	return set, nil
}

func (s IndexSet) Contains(index uint8) bool {
	for _, v := range s {
		if v == index {
			return true
		}
	}
	return false
}

// Sorted returns the indexes in ascending order.
func (s IndexSet) Sorted() []uint8 {
	out := []uint8{s[0], s[1], s[2]}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OracleIdentity is a registered oracle. It is immutable once recorded in the pool.
type OracleIdentity struct {
	Account ledger.Account
	Indexes IndexSet
}

// StatusRequestEvent is an OracleRequest emitted by the registry.
type StatusRequestEvent struct {
	Index     uint8
	Airline   common.Address
	Flight    string
	Timestamp *big.Int

	BlockNumber uint64
	TxHash      common.Hash
}

// Args returns the submitOracleResponse arguments for status.
func (e StatusRequestEvent) Args(status StatusCode) []any {
	return []any{e.Index, e.Airline, e.Flight, new(big.Int).Set(e.Timestamp), uint8(status)}
}

// ResponseAttempt is a single oracle's answer to a single request.
type ResponseAttempt struct {
	Oracle     OracleIdentity
	Request    StatusRequestEvent
	StatusCode StatusCode
	Receipt    *ledger.Receipt
	Err        error
}

func (a ResponseAttempt) Succeeded() bool {
	return a.Err == nil
}

// ParseIndexes decodes the output of getMyIndexes.
func ParseIndexes(out []any, categories uint8) (IndexSet, error) {
	if len(out) != 1 {
		return IndexSet{}, errors.Wrapf(ErrRegistration, "unexpected %s output length: %d", ledger.MethodGetMyIndexes, len(out))
	}

	var values []uint8
	switch v := out[0].(type) {
	case [IndexSetSize]uint8:
		values = v[:]
	case IndexSet:
		values = v[:]
	case []uint8:
		values = v
	case []*big.Int:
		for _, b := range v {
			if b == nil || !b.IsUint64() || b.Uint64() > 255 {
				return IndexSet{}, errors.Wrapf(ErrRegistration, "index out of uint8 range: %v", b)
			}
			values = append(values, uint8(b.Uint64()))
		}
	default:
		return IndexSet{}, errors.Wrapf(ErrRegistration, "unexpected %s output type: %T", ledger.MethodGetMyIndexes, out[0])
	}

	set, err := NewIndexSet(values, categories)
	if err != nil {
		return IndexSet{}, errors.Wrap(ErrRegistration, err.Error())
	}

	return set, nil
}

// ParseStatusRequest decodes an OracleRequest event. Any missing or mistyped field yields an
// ErrEventDecode.
func ParseStatusRequest(event ledger.Event) (StatusRequestEvent, error) {
	var req StatusRequestEvent

	if event.Name != ledger.EventOracleRequest {
		return req, errors.Wrapf(ErrEventDecode, "unexpected event %q", event.Name)
	}
	if event.Fields == nil {
		return req, errors.Wrap(ErrEventDecode, "event has no fields")
	}

	index, err := uint8Field(event.Fields, ledger.FieldIndex)
	if err != nil {
		return req, err
	}

	airline, ok := event.Fields[ledger.FieldAirline].(common.Address)
	if !ok {
		return req, errors.Wrapf(ErrEventDecode, "missing or invalid field %q", ledger.FieldAirline)
	}

	// the registry accepts an empty flight code
	flight, ok := event.Fields[ledger.FieldFlight].(string)
	if !ok {
		return req, errors.Wrapf(ErrEventDecode, "missing or invalid field %q", ledger.FieldFlight)
	}

	timestamp, ok := event.Fields[ledger.FieldTimestamp].(*big.Int)
	if !ok || timestamp == nil || timestamp.Sign() < 0 {
		return req, errors.Wrapf(ErrEventDecode, "missing or invalid field %q", ledger.FieldTimestamp)
	}

	req.Index = index
	req.Airline = airline
	req.Flight = flight
	req.Timestamp = new(big.Int).Set(timestamp)
	req.BlockNumber = event.BlockNumber
	req.TxHash = event.TxHash

	return req, nil
}

func uint8Field(fields map[string]any, name string) (uint8, error) {
	switch v := fields[name].(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if v != nil && v.IsUint64() && v.Uint64() <= 255 {
			return uint8(v.Uint64()), nil
		}
	}
	return 0, errors.Wrapf(ErrEventDecode, "missing or invalid field %q", name)
}
