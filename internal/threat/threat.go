// Package threat defines the transaction input and threat record types
// shared by the detectors, the risk engine, and the orchestrator.
package threat

import (
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionIntent is a candidate transaction under analysis.
// Values are in native units (ETH), gas prices in gwei.
// Immutable once received by the engine.
type TransactionIntent struct {
	Hash      common.Hash    `json:"hash"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Value     float64        `json:"value"`
	GasPrice  float64        `json:"gasPrice"`
	GasLimit  uint64         `json:"gasLimit"`
	Data      []byte         `json:"data"`
	Nonce     uint64         `json:"nonce"`
}

// Selector returns the 4-byte function selector as a 0x-prefixed hex string,
// or "" when the call data is too short to carry one.
func (tx *TransactionIntent) Selector() string {
	if len(tx.Data) < 4 {
		return ""
	}
	return "0x" + hex.EncodeToString(tx.Data[:4])
}

// Kind classifies a detected threat.
type Kind string

const (
	Frontrunning      Kind = "frontrunning"
	Backrunning       Kind = "backrunning"
	Sandwiching       Kind = "sandwiching"
	Arbitrage         Kind = "arbitrage"
	Liquidation       Kind = "liquidation"
	FlashLoanAttack   Kind = "flash_loan_attack"
	GovernanceAttack  Kind = "governance_attack"
	PriceManipulation Kind = "price_manipulation"
	Unknown           Kind = "unknown"
)

// Record is a single detected threat. Ephemeral: produced per analysis
// call and persisted only through the audit trail.
type Record struct {
	Kind           Kind            `json:"kind"`
	Confidence     float64         `json:"confidence"` // [0,1]
	ValueImpact    float64         `json:"valueImpact"`
	Attacker       *common.Address `json:"attacker,omitempty"`
	Description    string          `json:"description"`
	DetectedAt     time.Time       `json:"detectedAt"`
	TargetContract common.Address  `json:"targetContract"`
	TargetSelector string          `json:"targetSelector,omitempty"`
}

// MaxConfidence returns the highest confidence across records, 0 when empty.
func MaxConfidence(records []Record) float64 {
	max := 0.0
	for _, r := range records {
		if r.Confidence > max {
			max = r.Confidence
		}
	}
	return max
}
