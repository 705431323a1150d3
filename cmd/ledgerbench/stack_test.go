package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

type stubBalancer struct {
	balance *big.Int
	err     error
	reads   int
}

func (s *stubBalancer) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	return s.balance, nil
}

var _ nativeBalancer = (*stubBalancer)(nil)

func TestCheckFunderBalance(t *testing.T) {
	funder, err := account.NewAccountFromHex(account.DevFunderKey)
	if err != nil {
		t.Fatalf("funder: %v", err)
	}

	tests := []struct {
		name      string
		phases    []string
		funder    *account.Account
		balance   *big.Int
		err       error
		wantErr   string
		wantReads int
	}{
		{name: "covers fund phase", phases: []string{types.PhaseFund}, funder: funder, balance: big.NewInt(1000), wantReads: 1},
		{name: "short of fund phase", phases: []string{types.PhaseFund, types.PhaseAction}, funder: funder, balance: big.NewInt(999), wantErr: "fund phase transfers 1000", wantReads: 1},
		{name: "balance unreadable", phases: []string{types.PhaseFund}, funder: funder, err: errors.New("rpc error -32000: header not found"), wantErr: "read funder balance", wantReads: 1},
		{name: "no fund phase", phases: []string{types.PhaseAction}, funder: funder, balance: big.NewInt(0)},
		{name: "no funder", phases: []string{types.PhaseFund}, balance: big.NewInt(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Accounts = 10
			cfg.FundAmount = big.NewInt(100)
			cfg.Phases = tt.phases
			bal := &stubBalancer{balance: tt.balance, err: tt.err}
			var buf bytes.Buffer

			err := checkFunderBalance(context.Background(), cfg, bal, tt.funder, slog.New(slog.NewJSONHandler(&buf, nil)))
			switch {
			case tt.wantErr == "" && err != nil:
				t.Fatalf("checkFunderBalance: %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if bal.reads != tt.wantReads {
				t.Errorf("balance reads = %d, want %d", bal.reads, tt.wantReads)
			}
		})
	}
}

func TestStackProgressReportsSubmissionLoad(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger = config.LedgerMemory
	cfg.Accounts = 5
	cfg.SubmitConcurrency = 7
	cfg.SubmitRate = 50

	st, err := newStack(context.Background(), cfg, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	defer st.Close()

	p := st.Progress()
	if p.SubmitCapacity != 7 {
		t.Errorf("SubmitCapacity = %d, want 7", p.SubmitCapacity)
	}
	if p.SubmitRate != 50 {
		t.Errorf("SubmitRate = %v, want 50", p.SubmitRate)
	}
	if p.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0 while idle", p.InFlight)
	}
	if p.Heads != 0 {
		t.Errorf("Heads = %d, want 0 for a ledger without a head feed", p.Heads)
	}
}
