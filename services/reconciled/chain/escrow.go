package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const escrowABIJSON = `[{
	"anonymous": false,
	"name": "PaymentReceived",
	"type": "event",
	"inputs": [
		{"indexed": true,  "name": "payer",     "type": "address"},
		{"indexed": true,  "name": "payee",     "type": "address"},
		{"indexed": false, "name": "token",     "type": "address"},
		{"indexed": false, "name": "amount",    "type": "uint256"},
		{"indexed": false, "name": "fee",       "type": "uint256"},
		{"indexed": false, "name": "reference", "type": "string"}
	]
}]`

// PaymentReceivedEvent is the escrow contract event consumed by the engine.
const PaymentReceivedEvent = "PaymentReceived"

var (
	escrowABI = mustParseABI(escrowABIJSON)

	// PaymentReceivedTopic is topic[0] of every PaymentReceived log.
	PaymentReceivedTopic = escrowABI.Events[PaymentReceivedEvent].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse escrow abi: %v", err))
	}
	return parsed
}

// PaymentReceivedData returns the non-indexed arguments of the escrow event.
func PaymentReceivedData() abi.Arguments {
	return escrowABI.Events[PaymentReceivedEvent].Inputs.NonIndexed()
}

// PackPaymentReceived encodes the data section of a PaymentReceived log. It is
// used by provider simulators and tests.
func PackPaymentReceived(token common.Address, amount, fee *big.Int, reference string) ([]byte, error) {
	return PaymentReceivedData().Pack(token, amount, fee, reference)
}

// RawSighting is one escrow log as observed by a watcher, before normalisation.
type RawSighting struct {
	Network       string
	Source        string
	Address       common.Address
	Topics        []common.Hash
	Data          []byte
	TxHash        common.Hash
	LogIndex      uint
	BlockNumber   uint64
	BlockTime     time.Time
	Confirmations uint64
	Removed       bool
}

// Key identifies the sighting within its network.
func (s RawSighting) Key() string {
	return fmt.Sprintf("%s/%s#%d", s.Network, s.TxHash.Hex(), s.LogIndex)
}
