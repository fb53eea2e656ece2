package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(25.0, 1000)
	ctx := context.Background()

	gwei, err := p.GasPriceGwei(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gwei != 25.0 {
		t.Fatalf("expected 25.0 gwei, got %v", gwei)
	}

	n, err := p.BlockNumber(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1000 {
		t.Fatalf("expected block 1000, got %d", n)
	}

	p.SetGasPriceGwei(50.0)
	p.SetBlockNumber(1001)
	gwei, _ = p.GasPriceGwei(ctx)
	n, _ = p.BlockNumber(ctx)
	if gwei != 50.0 || n != 1001 {
		t.Fatalf("expected updated values, got %v / %d", gwei, n)
	}

	p.SetError(errors.New("rpc down"))
	if _, err := p.GasPriceGwei(ctx); err == nil {
		t.Fatal("expected error after SetError")
	}
	p.SetError(nil)
	if _, err := p.GasPriceGwei(ctx); err != nil {
		t.Fatalf("expected recovery after SetError(nil): %v", err)
	}
}

func TestGasReference_CachesWithinTTL(t *testing.T) {
	p := NewStaticProvider(25.0, 0)
	g := NewGasReference(p, 10.0, time.Minute)
	ctx := context.Background()

	if got := g.PriceGwei(ctx); got != 25.0 {
		t.Fatalf("expected 25.0, got %v", got)
	}

	// Provider changes, but cache is still warm.
	p.SetGasPriceGwei(100.0)
	if got := g.PriceGwei(ctx); got != 25.0 {
		t.Fatalf("expected cached 25.0, got %v", got)
	}
}

func TestGasReference_RefreshesWhenStale(t *testing.T) {
	p := NewStaticProvider(25.0, 0)
	g := NewGasReference(p, 10.0, time.Nanosecond)
	ctx := context.Background()

	if got := g.PriceGwei(ctx); got != 25.0 {
		t.Fatalf("expected 25.0, got %v", got)
	}

	p.SetGasPriceGwei(40.0)
	time.Sleep(time.Millisecond)
	if got := g.PriceGwei(ctx); got != 40.0 {
		t.Fatalf("expected refreshed 40.0, got %v", got)
	}
}

func TestStaticProvider_ContractStatus(t *testing.T) {
	p := NewStaticProvider(25.0, 1000)
	addr := common.HexToAddress("0xc0de")
	ctx := context.Background()

	status, err := p.ContractStatus(ctx, addr)
	if err != nil || status.HasCode {
		t.Fatalf("unconfigured address must report no code, got %+v (%v)", status, err)
	}

	p.SetContractStatus(addr, ContractStatus{HasCode: true, Verified: true, AuditStatus: "audited"})
	status, _ = p.ContractStatus(ctx, addr)
	if !status.HasCode || !status.Verified || status.AuditStatus != "audited" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGasReference_FallsBackOnError(t *testing.T) {
	p := NewStaticProvider(25.0, 0)
	g := NewGasReference(p, 10.0, time.Nanosecond)
	ctx := context.Background()

	// Warm the cache.
	g.PriceGwei(ctx)

	p.SetError(errors.New("rpc down"))
	time.Sleep(time.Millisecond)
	if got := g.PriceGwei(ctx); got != 25.0 {
		t.Fatalf("expected last known 25.0 on error, got %v", got)
	}
}

func TestGasReference_FallbackWhenNeverFetched(t *testing.T) {
	p := NewStaticProvider(0, 0)
	p.SetError(errors.New("rpc down"))
	g := NewGasReference(p, 10.0, time.Minute)

	// Zero out the seeded price so only the fallback remains.
	g.price = 0

	if got := g.PriceGwei(context.Background()); got != 10.0 {
		t.Fatalf("expected fallback 10.0, got %v", got)
	}
}
