package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Wallets WalletConfig
	Escrow  EscrowConfig
	Network NetworkConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port        string
	Environment string // "development" or "production"
	InternalKey string
	FrontendURL string
}

// WalletConfig holds the process-wide signing keys
type WalletConfig struct {
	EscrowSecret          string
	TreasurySecret        string
	ServerAuthoritySecret string
	Pepper                string
}

// EscrowConfig holds duel escrow policy settings
type EscrowConfig struct {
	HouseFeePercent uint64
	TimeoutSeconds  int64
}

// NetworkConfig selects the Solana cluster and ZK backend
type NetworkConfig struct {
	Network      string
	ZKBackendURL string
	RPCURL       string
}

// TokenInfo describes a supported stake token
type TokenInfo struct {
	Symbol            string
	Decimals          int32
	MinStakeLamports  uint64
	MinTransferOut    uint64
	DepositFeePercent float64
}

// SupportedTokens is the closed set of stake tokens. Amounts are in the
// token's smallest unit.
var SupportedTokens = map[string]TokenInfo{
	"SOL": {
		Symbol:            "SOL",
		Decimals:          9,
		MinStakeLamports:  10_000_000,  // 0.01 SOL
		MinTransferOut:    100_000_000, // 0.1 SOL
		DepositFeePercent: 0.5,
	},
	"USD1": {
		Symbol:            "USD1",
		Decimals:          6,
		MinStakeLamports:  1_000_000, // 1 USD1
		MinTransferOut:    1_000_000,
		DepositFeePercent: 0.5,
	},
	"RADR": {
		Symbol:            "RADR",
		Decimals:          9,
		MinStakeLamports:  1_000_000_000, // 1 RADR
		MinTransferOut:    100_000_000,
		DepositFeePercent: 0.5,
	},
}

// DefaultToken is used when a request omits the token symbol.
const DefaultToken = "SOL"

// Token looks up a supported token by symbol.
func Token(symbol string) (TokenInfo, bool) {
	info, ok := SupportedTokens[symbol]
	return info, ok
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	houseFee, err := strconv.ParseUint(getEnv("HOUSE_FEE_PERCENT", "2"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid HOUSE_FEE_PERCENT: %w", err)
	}
	if houseFee > 10 {
		return nil, fmt.Errorf("HOUSE_FEE_PERCENT must be between 0 and 10, got %d", houseFee)
	}

	timeout, err := strconv.ParseInt(getEnv("ESCROW_TIMEOUT_SECONDS", "1800"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ESCROW_TIMEOUT_SECONDS: %w", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("ESCROW_TIMEOUT_SECONDS must be positive, got %d", timeout)
	}

	network := getEnv("SOLANA_NETWORK", "devnet")

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			InternalKey: getEnv("INTERNAL_API_KEY", ""),
			FrontendURL: getEnv("FRONTEND_URL", ""),
		},
		Wallets: WalletConfig{
			EscrowSecret:          getEnv("ESCROW_WALLET_SECRET", ""),
			TreasurySecret:        getEnv("TREASURY_WALLET_SECRET", ""),
			ServerAuthoritySecret: getEnv("SERVER_AUTHORITY_SECRET", ""),
			Pepper:                getEnv("WALLET_PEPPER", ""),
		},
		Escrow: EscrowConfig{
			HouseFeePercent: houseFee,
			TimeoutSeconds:  timeout,
		},
		Network: NetworkConfig{
			Network:      network,
			ZKBackendURL: getEnv("ZK_BACKEND_URL", defaultZKBackendURL(network)),
			RPCURL:       defaultRPCURL(network),
		},
	}

	// Validate required fields
	if config.Wallets.EscrowSecret == "" {
		return nil, fmt.Errorf("ESCROW_WALLET_SECRET is required")
	}
	if config.Wallets.TreasurySecret == "" {
		return nil, fmt.Errorf("TREASURY_WALLET_SECRET is required")
	}
	if config.Wallets.ServerAuthoritySecret == "" {
		return nil, fmt.Errorf("SERVER_AUTHORITY_SECRET is required")
	}
	if len(config.Wallets.Pepper) < 32 {
		return nil, fmt.Errorf("WALLET_PEPPER must be at least 32 characters")
	}
	if len(config.Server.InternalKey) < 32 {
		return nil, fmt.Errorf("INTERNAL_API_KEY must be at least 32 characters")
	}

	// Secrets must decode to valid keypairs; fail startup otherwise
	for name, secret := range map[string]string{
		"ESCROW_WALLET_SECRET":    config.Wallets.EscrowSecret,
		"TREASURY_WALLET_SECRET":  config.Wallets.TreasurySecret,
		"SERVER_AUTHORITY_SECRET": config.Wallets.ServerAuthoritySecret,
	} {
		if _, err := solana.PrivateKeyFromBase58(secret); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return config, nil
}

func defaultZKBackendURL(network string) string {
	switch network {
	case "mainnet-beta":
		return "https://zk.radr.fun"
	default:
		return "https://zk-devnet.radr.fun"
	}
}

func defaultRPCURL(network string) string {
	switch network {
	case "mainnet-beta":
		return "https://api.mainnet-beta.solana.com"
	case "testnet":
		return "https://api.testnet.solana.com"
	default:
		return "https://api.devnet.solana.com"
	}
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
