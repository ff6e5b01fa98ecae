// Package config collects every runtime setting from the environment into
// one validated struct. Everything has a default except the addresses that
// identify the deployment and the OpenAI credential.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/comrade-coop/teesa-engine/internal/envstruct"
	"github.com/comrade-coop/teesa-engine/internal/errors"
)

var ErrInvalid = errors.NewSentinel("invalid configuration")

type Config struct {
	SessionPath   string `env:"TEESA_SESSION_PATH" envDefault:"./teesa-session.json"`
	LedgerDBPath  string `env:"TEESA_LEDGER_DB_PATH" envDefault:"./teesa-ledger.leveldb"`
	JournalDBPath string `env:"TEESA_JOURNAL_DB_PATH" envDefault:"./teesa-journal.sqlite"`

	InitialFee        uint64 `env:"TEESA_INITIAL_FEE" envDefault:"1000"`
	GrowthNumerator   uint64 `env:"TEESA_GROWTH_NUMERATOR" envDefault:"10078"`
	GrowthDenominator uint64 `env:"TEESA_GROWTH_DENOMINATOR" envDefault:"10000"`
	MaxPayments       uint64 `env:"TEESA_MAX_PAYMENTS" envDefault:"100000"`

	TeamPercent      uint64 `env:"TEESA_TEAM_PERCENT" envDefault:"30"`
	LastPayerPercent uint64 `env:"TEESA_LAST_PAYER_PERCENT" envDefault:"10"`
	// Comma-separated lists; use the accessor methods. Defaults are empty
	// so that validation, not the env parser, reports what is missing.
	RawTeamAddresses string `env:"TEESA_TEAM_ADDRESSES" envDefault:""`
	OwnerAddress     string `env:"TEESA_OWNER_ADDRESS" envDefault:""`

	// One month of inactivity before anyone may trigger abandonment
	// distribution.
	ExpiryThreshold time.Duration `env:"TEESA_EXPIRY_THRESHOLD" envDefault:"720h"`
	Confirmations   int           `env:"TEESA_CONFIRMATIONS" envDefault:"1"`

	RewardBackoffInitial time.Duration `env:"TEESA_REWARD_BACKOFF_INITIAL" envDefault:"5s"`
	RewardBackoffMax     time.Duration `env:"TEESA_REWARD_BACKOFF_MAX" envDefault:"5m"`
	RestartDelay         time.Duration `env:"TEESA_RESTART_DELAY" envDefault:"30s"`

	RawSecretWords string `env:"TEESA_SECRET_WORDS" envDefault:"whale,mirror,lantern,comet,harbor"`
	ArtifactDir    string `env:"TEESA_ARTIFACT_DIR" envDefault:"./teesa-artifacts"`
	OracleModel    string `env:"TEESA_ORACLE_MODEL" envDefault:"gpt-4o"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY" envDefault:""`
}

// Load populates a Config from lookupEnv (usually os.LookupEnv) and
// validates it.
func Load(lookupEnv func(string) (string, bool)) (Config, error) {
	var cfg Config
	if err := envstruct.Populate(&cfg, lookupEnv); err != nil {
		return Config{}, errors.Wrap(err, "populate configuration from environment")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if len(c.TeamAddresses()) == 0 {
		errs = append(errs, errors.Wrap(ErrInvalid, "TEESA_TEAM_ADDRESSES must list at least one address"))
	}
	if c.OwnerAddress == "" {
		errs = append(errs, errors.Wrap(ErrInvalid, "TEESA_OWNER_ADDRESS must be set"))
	}
	if len(c.SecretWords()) == 0 {
		errs = append(errs, errors.Wrap(ErrInvalid, "TEESA_SECRET_WORDS must list at least one word"))
	}
	if c.TeamPercent+c.LastPayerPercent > 100 {
		errs = append(errs, errors.Wrap(ErrInvalid, "team and last-payer percentages exceed 100",
			slog.Uint64("team_percent", c.TeamPercent),
			slog.Uint64("last_payer_percent", c.LastPayerPercent)))
	}
	return errors.Join(errs...)
}

// TeamAddresses splits the raw comma-separated list, trimming whitespace
// and dropping empty entries.
func (c Config) TeamAddresses() []string {
	return splitList(c.RawTeamAddresses)
}

// SecretWords splits the raw comma-separated word pool.
func (c Config) SecretWords() []string {
	return splitList(c.RawSecretWords)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
