package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config captures every tunable of the settlement service. It is constructed
// once at startup and passed read-only to components; nothing mutates it.
type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	WalletURL   string

	RatesURL      string
	RatesCacheTTL time.Duration
	GeoURL        string

	ProviderBaseURL string
	ProviderAPIKey  string

	KafkaBrokers []string
	AlertTopic   string

	// Salt feeds the user fingerprint hash; the process refuses to start
	// without it.
	Salt string

	// CallbackSigningKey signs verification webhook state tokens.
	CallbackSigningKey string
	CallbackTokenTTL   time.Duration

	// Prices and rewards, in USD. Reward amounts are converted to bytes at
	// approval time and frozen.
	PriceUSD                  decimal.Decimal
	RewardUSD                 decimal.Decimal
	ContractRewardUSD         decimal.Decimal
	ReferralRewardUSD         decimal.Decimal
	ContractReferralRewardUSD decimal.Decimal

	ContractTermYears      int
	ContractUnclaimedYears int

	// PriceStaleness is how long a quoted price stays honored; older quotes
	// are re-quoted at the current price.
	PriceStaleness time.Duration

	MaxReferralDepth  int
	VoucherUsageLimit int

	DefaultProvider string

	ScanRetryInterval        time.Duration
	VendorPollInterval       time.Duration
	AttestationRetryInterval time.Duration
	RewardRetryInterval      time.Duration
	DonationInterval         time.Duration
	ProfilePurgeInterval     time.Duration
	ProfileRetention         time.Duration

	// Addresses the wallet controls. Empty values are resolved from the
	// signer's address pool at startup.
	RealNameAttestorAddress string
	NonUSAttestorAddress    string
	DistributionAddress     string
	DonationFundAddress     string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:        envStr("ATTESTOR_ADDR", ":8080"),
		DatabaseURL: envStr("DATABASE_URL", "postgres://localhost:5432/attestor?sslmode=disable"),
		RedisURL:    envStr("REDIS_URL", ""),
		WalletURL:   envStr("WALLET_URL", "http://localhost:6611"),

		RatesURL:      envStr("RATES_URL", "https://data-feed.example.org/rates.json"),
		RatesCacheTTL: envDuration("RATES_CACHE_TTL", 10*time.Minute),
		GeoURL:        envStr("GEO_URL", ""),

		ProviderBaseURL: envStr("PROVIDER_BASE_URL", "http://localhost:7700"),
		ProviderAPIKey:  envStr("PROVIDER_API_KEY", ""),

		KafkaBrokers: splitNonEmpty(envStr("KAFKA_BROKERS", "")),
		AlertTopic:   envStr("ALERT_TOPIC", "attestor.alerts"),

		Salt:               os.Getenv("ATTESTOR_SALT"),
		CallbackSigningKey: envStr("CALLBACK_SIGNING_KEY", "dev-callback-key-change-in-production"),
		CallbackTokenTTL:   envDuration("CALLBACK_TOKEN_TTL", 30*24*time.Hour),

		PriceUSD:                  envDecimal("PRICE_USD", "8"),
		RewardUSD:                 envDecimal("REWARD_USD", "8"),
		ContractRewardUSD:         envDecimal("CONTRACT_REWARD_USD", "12"),
		ReferralRewardUSD:         envDecimal("REFERRAL_REWARD_USD", "0"),
		ContractReferralRewardUSD: envDecimal("CONTRACT_REFERRAL_REWARD_USD", "20"),

		ContractTermYears:      envInt("CONTRACT_TERM_YEARS", 1),
		ContractUnclaimedYears: envInt("CONTRACT_UNCLAIMED_YEARS", 2),

		PriceStaleness: envDuration("PRICE_STALENESS", 72*time.Hour),

		MaxReferralDepth:  envInt("MAX_REFERRAL_DEPTH", 5),
		VoucherUsageLimit: envInt("VOUCHER_USAGE_LIMIT", 3),

		DefaultProvider: envStr("VERIFICATION_PROVIDER", "jumio"),

		ScanRetryInterval:        envDuration("SCAN_RETRY_INTERVAL", time.Minute),
		VendorPollInterval:       envDuration("VENDOR_POLL_INTERVAL", 5*time.Minute),
		AttestationRetryInterval: envDuration("ATTESTATION_RETRY_INTERVAL", 10*time.Second),
		RewardRetryInterval:      envDuration("REWARD_RETRY_INTERVAL", 2*time.Minute),
		DonationInterval:         envDuration("DONATION_INTERVAL", 24*time.Hour),
		ProfilePurgeInterval:     envDuration("PROFILE_PURGE_INTERVAL", time.Hour),
		ProfileRetention:         envDuration("PROFILE_RETENTION", 7*24*time.Hour),

		RealNameAttestorAddress: envStr("REAL_NAME_ATTESTOR_ADDRESS", ""),
		NonUSAttestorAddress:    envStr("NONUS_ATTESTOR_ADDRESS", ""),
		DistributionAddress:     envStr("DISTRIBUTION_ADDRESS", ""),
		DonationFundAddress:     envStr("DONATION_FUND_ADDRESS", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(fallback)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
