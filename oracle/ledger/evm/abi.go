package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
)

// RegistryABI is the part of the flight surety app contract the daemon talks to.
const RegistryABI = `[
	{"type":"function","name":"REGISTRATION_FEE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"registerOracle","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"getMyIndexes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8[3]"}]},
	{"type":"function","name":"fetchFlightStatus","stateMutability":"nonpayable","inputs":[
		{"name":"airline","type":"address"},
		{"name":"flight","type":"string"},
		{"name":"timestamp","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"submitOracleResponse","stateMutability":"nonpayable","inputs":[
		{"name":"index","type":"uint8"},
		{"name":"airline","type":"address"},
		{"name":"flight","type":"string"},
		{"name":"timestamp","type":"uint256"},
		{"name":"statusCode","type":"uint8"}],"outputs":[]},
	{"type":"event","name":"OracleRequest","anonymous":false,"inputs":[
		{"name":"index","type":"uint8","indexed":false},
		{"name":"airline","type":"address","indexed":false},
		{"name":"flight","type":"string","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"OracleReport","anonymous":false,"inputs":[
		{"name":"airline","type":"address","indexed":false},
		{"name":"flight","type":"string","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false},
		{"name":"status","type":"uint8","indexed":false}]},
	{"type":"event","name":"FlightStatusInfo","anonymous":false,"inputs":[
		{"name":"airline","type":"address","indexed":false},
		{"name":"flight","type":"string","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false},
		{"name":"status","type":"uint8","indexed":false}]}
]`

// ParseABI parses rawABI and panics on failure. Only used with compiled-in ABIs.
func ParseABI(rawABI string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DecodeLog converts a raw contract log into a ledger event. The returned event carries
// whatever fields could be decoded; err reports the rest.
func DecodeLog(contract abi.ABI, raw ethtypes.Log) (ledger.Event, error) {
	event := ledger.Event{
		BlockNumber: raw.BlockNumber,
		TxHash:      raw.TxHash,
		LogIndex:    raw.Index,
		Fields:      make(map[string]any),
	}

	if len(raw.Topics) == 0 {
		return event, fmt.Errorf("log %s/%d has no topics", raw.TxHash.Hex(), raw.Index)
	}

	ev, err := contract.EventByID(raw.Topics[0])
	if err != nil {
		return event, err
	}
	event.Name = ev.Name

	if err := contract.UnpackIntoMap(event.Fields, ev.Name, raw.Data); err != nil {
		return event, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(event.Fields, indexed, raw.Topics[1:]); err != nil {
			return event, fmt.Errorf("parse %s topics: %w", ev.Name, err)
		}
	}

	return event, nil
}
