// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/nonce"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Ledger backends.
const (
	LedgerEth    = "eth"
	LedgerMemory = "memory"
)

// Config holds benchmark configuration.
type Config struct {
	// Ledger connection
	Ledger    string // "eth" or "memory"
	RPCURL    string
	WSURL     string // Derived from RPCURL when empty
	ChainID   int64  // 0 = read from the node
	GasTipCap int64  // EIP-1559 priority fee (tip) in wei
	GasFeeCap int64  // EIP-1559 max fee per gas in wei (0 = auto from chain)
	Legacy    bool   // Send legacy transactions priced at GasFeeCap

	// Contracts
	TokenAddresses map[uint32]common.Address // ERC20 per asset ID
	LoanContract   common.Address
	ActionContract common.Address

	// Population
	FunderKey   string
	AccountSeed string
	Accounts    int
	BatchSize   int
	Phases      []string

	// Dispatch
	ConfirmTimeout    time.Duration
	NoncePolicy       nonce.Policy
	SubmitRetries     int
	SubmitConcurrency int
	SubmitRate        float64 // Submissions per second, 0 = unlimited

	// Phase parameters
	FundAmount  *big.Int
	MintAsset   uint32
	MintAmount  *big.Int
	LoanAmount  *big.Int
	LoanPackage uint32

	// Memory ledger
	MemBlockTime   time.Duration
	MemRejectEvery int

	// Outer surfaces
	DatabasePath       string // Empty disables persistence
	ListenAddr         string // Empty disables the HTTP API
	CORSAllowedOrigins string
	LogLevel           string
}

// Defaults
const (
	DefaultLedger             = LedgerEth
	DefaultRPCURL             = "http://localhost:8545"
	DefaultGasTipCap          = 1000000000 // 1 Gwei
	DefaultGasFeeCap          = 0          // 0 = auto-calculate from chain gas price
	DefaultAccountSeed        = "ledgerbench"
	DefaultAccounts           = 10000
	DefaultBatchSize          = 200
	DefaultPhases             = "fund,action"
	DefaultConfirmTimeout     = 20 * time.Second
	DefaultSubmitConcurrency  = 500
	DefaultMintAsset          = 100
	DefaultLoanPackage        = 0
	DefaultMemBlockTime       = 50 * time.Millisecond
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"

	MaxAccounts = 1000000
)

// Default amounts, in base units.
var (
	DefaultFundAmount = big.NewInt(1_000_000_000_000)
	DefaultMintAmount = big.NewInt(1_000_000_000_000)
	DefaultLoanAmount = big.NewInt(100_000_000)
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	phases, _ := ParsePhases(DefaultPhases)
	return &Config{
		Ledger:             DefaultLedger,
		RPCURL:             DefaultRPCURL,
		GasTipCap:          DefaultGasTipCap,
		GasFeeCap:          DefaultGasFeeCap,
		TokenAddresses:     map[uint32]common.Address{},
		FunderKey:          account.DevFunderKey,
		AccountSeed:        DefaultAccountSeed,
		Accounts:           DefaultAccounts,
		BatchSize:          DefaultBatchSize,
		Phases:             phases,
		ConfirmTimeout:     DefaultConfirmTimeout,
		NoncePolicy:        nonce.PolicyConsume,
		SubmitConcurrency:  DefaultSubmitConcurrency,
		FundAmount:         new(big.Int).Set(DefaultFundAmount),
		MintAsset:          DefaultMintAsset,
		MintAmount:         new(big.Int).Set(DefaultMintAmount),
		LoanAmount:         new(big.Int).Set(DefaultLoanAmount),
		LoanPackage:        DefaultLoanPackage,
		MemBlockTime:       DefaultMemBlockTime,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads configuration from environment variables and command-line
// arguments. Arguments take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return nil, err
	}
	if cfg.WSURL == "" && cfg.Ledger == LedgerEth {
		cfg.WSURL = DeriveWSURL(cfg.RPCURL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Malformed values are errors.
func (c *Config) applyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.stringVar("LEDGER", &c.Ledger)
	e.stringVar("RPC_URL", &c.RPCURL)
	e.stringVar("WS_URL", &c.WSURL)
	e.int64Var("CHAIN_ID", &c.ChainID)
	e.int64Var("GAS_TIP_CAP", &c.GasTipCap)
	e.int64Var("GAS_FEE_CAP", &c.GasFeeCap)
	e.boolVar("LEGACY_TX", &c.Legacy)
	if v := getenv("TOKEN_ADDRESSES"); v != "" {
		tokens, err := ParseTokenAddresses(v)
		if err != nil {
			e.fail("TOKEN_ADDRESSES", err)
		}
		c.TokenAddresses = tokens
	}
	e.addressVar("LOAN_CONTRACT", &c.LoanContract)
	e.addressVar("ACTION_CONTRACT", &c.ActionContract)

	e.stringVar("FUNDER_KEY", &c.FunderKey)
	e.stringVar("ACCOUNT_SEED", &c.AccountSeed)
	e.intVar("ACCOUNTS", &c.Accounts)
	e.intVar("BATCH_SIZE", &c.BatchSize)
	if v := getenv("PHASES"); v != "" {
		phases, err := ParsePhases(v)
		if err != nil {
			e.fail("PHASES", err)
		}
		c.Phases = phases
	}

	e.durationVar("CONFIRM_TIMEOUT", &c.ConfirmTimeout)
	if v := getenv("NONCE_POLICY"); v != "" {
		p, err := nonce.ParsePolicy(v)
		if err != nil {
			e.fail("NONCE_POLICY", err)
		}
		c.NoncePolicy = p
	}
	e.intVar("SUBMIT_RETRIES", &c.SubmitRetries)
	e.intVar("SUBMIT_CONCURRENCY", &c.SubmitConcurrency)
	e.float64Var("SUBMIT_RATE", &c.SubmitRate)

	e.amountVar("FUND_AMOUNT", c.FundAmount)
	e.uint32Var("MINT_ASSET", &c.MintAsset)
	e.amountVar("MINT_AMOUNT", c.MintAmount)
	e.amountVar("LOAN_AMOUNT", c.LoanAmount)
	e.uint32Var("LOAN_PACKAGE", &c.LoanPackage)

	e.durationVar("MEM_BLOCK_TIME", &c.MemBlockTime)
	e.intVar("MEM_REJECT_EVERY", &c.MemRejectEvery)

	e.stringVar("DATABASE_PATH", &c.DatabasePath)
	e.stringVar("LISTEN_ADDR", &c.ListenAddr)
	e.stringVar("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)
	e.stringVar("LOG_LEVEL", &c.LogLevel)

	return errors.Join(e.errs...)
}

// applyFlags overlays command-line arguments.
func (c *Config) applyFlags(args []string) error {
	fs := flag.NewFlagSet("ledgerbench", flag.ContinueOnError)

	var (
		phases         = fs.String("phases", strings.Join(c.Phases, ","), "Comma-separated phases to run after provisioning (fund, mint, loan, action)")
		noncePolicy    = fs.String("nonce-policy", string(c.NoncePolicy), "Nonce handling after a rejection (consume, reclaim)")
		tokens         = fs.String("tokens", "", "ERC20 token per asset, e.g. 100=0xabc...,101=0xdef...")
		loanContract   = fs.String("loan-contract", addrString(c.LoanContract), "Loan contract address")
		actionContract = fs.String("action-contract", addrString(c.ActionContract), "Action contract address (empty = self transfer)")
		mintAsset      = fs.Uint("mint-asset", uint(c.MintAsset), "Asset ID credited by the mint phase")
		loanPackage    = fs.Uint("loan-package", uint(c.LoanPackage), "Loan package ID")
	)

	fs.StringVar(&c.Ledger, "ledger", c.Ledger, "Ledger backend (eth, memory)")
	fs.StringVar(&c.RPCURL, "rpc", c.RPCURL, "JSON-RPC URL")
	fs.StringVar(&c.WSURL, "ws", c.WSURL, "WebSocket URL for newHeads (derived from -rpc when empty)")
	fs.Int64Var(&c.ChainID, "chainid", c.ChainID, "Chain ID (0 = read from node)")
	fs.Int64Var(&c.GasTipCap, "gastipcap", c.GasTipCap, "EIP-1559 priority fee (tip) in wei")
	fs.Int64Var(&c.GasFeeCap, "gasfeecap", c.GasFeeCap, "EIP-1559 max fee per gas in wei (0=auto)")
	fs.BoolVar(&c.Legacy, "legacy", c.Legacy, "Send legacy transactions")
	fs.StringVar(&c.FunderKey, "funder-key", c.FunderKey, "Hex private key of the funder account")
	fs.StringVar(&c.AccountSeed, "seed", c.AccountSeed, "Seed for deterministic account derivation")
	fs.IntVar(&c.Accounts, "accounts", c.Accounts, "Number of accounts")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "Accounts per batch")
	fs.DurationVar(&c.ConfirmTimeout, "confirm-timeout", c.ConfirmTimeout, "Confirmation timeout per operation")
	fs.IntVar(&c.SubmitRetries, "submit-retries", c.SubmitRetries, "Resubmissions of a rejected operation (reclaim policy)")
	fs.IntVar(&c.SubmitConcurrency, "concurrency", c.SubmitConcurrency, "Maximum outstanding submissions")
	fs.Float64Var(&c.SubmitRate, "rate", c.SubmitRate, "Submission rate limit per second (0 = unlimited)")
	fs.TextVar(c.FundAmount, "fund-amount", new(big.Int).Set(c.FundAmount), "Native amount sent to each account by the fund phase")
	fs.TextVar(c.MintAmount, "mint-amount", new(big.Int).Set(c.MintAmount), "Amount credited by the mint phase")
	fs.TextVar(c.LoanAmount, "loan-amount", new(big.Int).Set(c.LoanAmount), "Amount applied for by the loan phase")
	fs.DurationVar(&c.MemBlockTime, "mem-block-time", c.MemBlockTime, "Memory ledger apply delay")
	fs.IntVar(&c.MemRejectEvery, "mem-reject-every", c.MemRejectEvery, "Memory ledger rejects every N-th submission (0 = never)")
	fs.StringVar(&c.DatabasePath, "database", c.DatabasePath, "SQLite database path (empty disables run history)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address (empty disables the API)")
	fs.StringVar(&c.CORSAllowedOrigins, "cors-origins", c.CORSAllowedOrigins, "Comma-separated allowed CORS origins, or *")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	var err error
	if c.Phases, err = ParsePhases(*phases); err != nil {
		return err
	}
	if c.NoncePolicy, err = nonce.ParsePolicy(*noncePolicy); err != nil {
		return err
	}
	if *tokens != "" {
		if c.TokenAddresses, err = ParseTokenAddresses(*tokens); err != nil {
			return err
		}
	}
	if c.LoanContract, err = parseAddress(*loanContract); err != nil {
		return fmt.Errorf("-loan-contract: %w", err)
	}
	if c.ActionContract, err = parseAddress(*actionContract); err != nil {
		return fmt.Errorf("-action-contract: %w", err)
	}
	if uint64(*mintAsset) > math.MaxUint32 || uint64(*loanPackage) > math.MaxUint32 {
		return errors.New("-mint-asset and -loan-package must fit in 32 bits")
	}
	c.MintAsset = uint32(*mintAsset)
	c.LoanPackage = uint32(*loanPackage)
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Ledger {
	case LedgerEth:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC URL is required")
		}
		if c.WSURL == "" {
			return fmt.Errorf("WebSocket URL is required")
		}
		if c.ChainID < 0 {
			return fmt.Errorf("chain ID cannot be negative")
		}
		if c.GasTipCap <= 0 {
			return fmt.Errorf("gas tip cap must be positive")
		}
		// GasFeeCap can be 0 (auto-calculate from chain) or positive
		if c.GasFeeCap < 0 {
			return fmt.Errorf("gas fee cap cannot be negative")
		}
	case LedgerMemory:
		if c.MemBlockTime < 0 {
			return fmt.Errorf("memory ledger block time cannot be negative")
		}
		if c.MemRejectEvery < 0 {
			return fmt.Errorf("memory ledger reject interval cannot be negative")
		}
	default:
		return fmt.Errorf("unknown ledger: %s (supported: eth, memory)", c.Ledger)
	}

	if c.Accounts <= 0 || c.Accounts > MaxAccounts {
		return fmt.Errorf("accounts must be between 1 and %d", MaxAccounts)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm timeout must be positive")
	}
	if c.SubmitRetries < 0 {
		return fmt.Errorf("submit retries cannot be negative")
	}
	if c.SubmitConcurrency <= 0 {
		return fmt.Errorf("submit concurrency must be positive")
	}
	if c.SubmitRate < 0 {
		return fmt.Errorf("submit rate cannot be negative")
	}
	if c.AccountSeed == "" {
		return fmt.Errorf("account seed is required")
	}
	for _, p := range c.Phases {
		if (p == types.PhaseFund || p == types.PhaseMint) && c.FunderKey == "" {
			return fmt.Errorf("phase %s requires a funder key", p)
		}
	}
	for name, v := range map[string]*big.Int{"fund": c.FundAmount, "mint": c.MintAmount, "loan": c.LoanAmount} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%s amount cannot be negative", name)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ParsePhases splits a comma-separated phase list. Names are checked against
// the catalog when the run is built.
func ParsePhases(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no phases in %q", s)
	}
	return out, nil
}

// ParseTokenAddresses parses "asset=address" pairs separated by commas.
func ParseTokenAddresses(s string) (map[uint32]common.Address, error) {
	out := make(map[uint32]common.Address)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		asset, addr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("token mapping %q: want asset=address", pair)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(asset), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token mapping %q: invalid asset: %w", pair, err)
		}
		a, err := parseAddress(strings.TrimSpace(addr))
		if err != nil || a == (common.Address{}) {
			return nil, fmt.Errorf("token mapping %q: invalid address", pair)
		}
		out[uint32(id)] = a
	}
	return out, nil
}

// DeriveWSURL maps http(s)://host to ws(s)://host on the same path.
func DeriveWSURL(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return ""
	}
	return u.String()
}

func parseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func addrString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

// envReader collects parse errors so every malformed variable is reported.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
}

func (e *envReader) stringVar(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v := e.getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(key string, dst *int64) {
	if v := e.getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint32Var(key string, dst *uint32) {
	if v := e.getenv(key); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envReader) float64Var(key string, dst *float64) {
	if v := e.getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if v := e.getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if v := e.getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) amountVar(key string, dst *big.Int) {
	if v := e.getenv(key); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			e.fail(key, fmt.Errorf("invalid integer %q", v))
			return
		}
		dst.Set(n)
	}
}

func (e *envReader) addressVar(key string, dst *common.Address) {
	if v := e.getenv(key); v != "" {
		a, err := parseAddress(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = a
	}
}
