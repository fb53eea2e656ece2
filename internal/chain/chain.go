// Package chain provides read-only blockchain access for the security engine.
//
// Detectors and validators need two things from the chain: a reference gas
// price to judge bids against, and block height for context. Everything is
// behind the Provider interface so tests and development run without an RPC
// endpoint.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// weiPerGwei converts wei amounts to gwei for domain math.
var weiPerGwei = big.NewFloat(1e9)

// ContractStatus describes what the chain backend knows about an address.
type ContractStatus struct {
	HasCode     bool   `json:"hasCode"`
	Verified    bool   `json:"verified"`
	AuditStatus string `json:"auditStatus"` // "audited", "partial", "none", "unknown"
}

// Provider exposes the chain reads the engine depends on.
type Provider interface {
	// GasPriceGwei returns the node's suggested gas price in gwei.
	GasPriceGwei(ctx context.Context) (float64, error)
	// BlockNumber returns the current chain head height.
	BlockNumber(ctx context.Context) (uint64, error)
	// ContractStatus reports whether addr carries code and, where the
	// backend can tell, its source verification status.
	ContractStatus(ctx context.Context, addr common.Address) (ContractStatus, error)
}

// EthProvider implements Provider over a go-ethereum RPC client.
type EthProvider struct {
	client *ethclient.Client
}

// Dial connects to an Ethereum RPC endpoint.
func Dial(rpcURL string) (*EthProvider, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &EthProvider{client: client}, nil
}

// GasPriceGwei returns the suggested gas price in gwei.
func (p *EthProvider) GasPriceGwei(ctx context.Context) (float64, error) {
	wei, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("suggest gas price: %w", err)
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerGwei).Float64()
	return gwei, nil
}

// BlockNumber returns the current chain head height.
func (p *EthProvider) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// ContractStatus reports code presence at the chain head. A bare RPC node
// cannot see source verification, so the status stays "unknown".
func (p *EthProvider) ContractStatus(ctx context.Context, addr common.Address) (ContractStatus, error) {
	code, err := p.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return ContractStatus{}, fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	return ContractStatus{HasCode: len(code) > 0, AuditStatus: "unknown"}, nil
}

// Close releases the underlying RPC connection.
func (p *EthProvider) Close() {
	p.client.Close()
}

// StaticProvider is a fixed-value Provider for development and tests.
type StaticProvider struct {
	mu        sync.RWMutex
	gasGwei   float64
	blockNum  uint64
	contracts map[common.Address]ContractStatus
	err       error
}

// NewStaticProvider returns a provider that always reports gasGwei and blockNum.
func NewStaticProvider(gasGwei float64, blockNum uint64) *StaticProvider {
	return &StaticProvider{
		gasGwei:   gasGwei,
		blockNum:  blockNum,
		contracts: make(map[common.Address]ContractStatus),
	}
}

// GasPriceGwei returns the configured gas price.
func (p *StaticProvider) GasPriceGwei(context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gasGwei, p.err
}

// BlockNumber returns the configured block number.
func (p *StaticProvider) BlockNumber(context.Context) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blockNum, p.err
}

// ContractStatus returns the configured status for addr. Unconfigured
// addresses report no code.
func (p *StaticProvider) ContractStatus(_ context.Context, addr common.Address) (ContractStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contracts[addr], p.err
}

// SetContractStatus configures the status reported for addr.
func (p *StaticProvider) SetContractStatus(addr common.Address, status ContractStatus) {
	p.mu.Lock()
	p.contracts[addr] = status
	p.mu.Unlock()
}

// SetGasPriceGwei updates the reported gas price.
func (p *StaticProvider) SetGasPriceGwei(gwei float64) {
	p.mu.Lock()
	p.gasGwei = gwei
	p.mu.Unlock()
}

// SetBlockNumber updates the reported block number.
func (p *StaticProvider) SetBlockNumber(n uint64) {
	p.mu.Lock()
	p.blockNum = n
	p.mu.Unlock()
}

// SetError makes subsequent calls fail with err. Pass nil to recover.
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}
