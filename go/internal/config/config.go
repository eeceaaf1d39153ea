// Package config reads the server configuration from flags, VERIBATCH_*
// environment variables and an optional .env file. Explicit flags win over
// the environment, which wins over flag defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"
)

const envPrefix = "VERIBATCH_"

const (
	LedgerMySQL   = "mysql"
	LedgerLevelDB = "leveldb"
	LedgerMemory  = "memory"

	ProverSecp256k1 = "secp256k1"
	ProverRecorder  = "recorder"
)

type Config struct {
	Addr        string `koanf:"addr"`
	ServiceName string `koanf:"service-name"`

	MySQLDSN      string `koanf:"mysql-dsn"`
	RedisAddr     string `koanf:"redis-addr"`
	RedisPassword string `koanf:"redis-password"`
	RedisDB       int    `koanf:"redis-db"`

	LedgerBackend string `koanf:"ledger-backend"`
	LevelDBPath   string `koanf:"leveldb-path"`
	LevelDBCache  int    `koanf:"leveldb-cache"`

	ProverBackend   string `koanf:"prover-backend"`
	ProverKey       string `koanf:"prover-key"`
	VerifyCacheSize int    `koanf:"verify-cache-size"`

	BatchSize      int           `koanf:"batch-size"`
	BatchTimeout   time.Duration `koanf:"batch-timeout"`
	LockTTL        time.Duration `koanf:"lock-ttl"`
	BatchTTL       time.Duration `koanf:"batch-ttl"`
	IdempotencyTTL time.Duration `koanf:"idempotency-ttl"`

	Branching bool `koanf:"branching"`
	BitWidth  int  `koanf:"bit-width"`
	Verbosity int  `koanf:"verbosity"`
}

func flagSet() *flag.FlagSet {
	f := flag.NewFlagSet("veribatch", flag.ContinueOnError)
	f.String("addr", ":8080", "HTTP listen address")
	f.String("service-name", "veribatch", "Service label on exported metrics")

	f.String("mysql-dsn", "", "MySQL DSN, required for the mysql ledger backend")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")

	f.String("ledger-backend", LedgerMySQL, "Counter store: mysql, leveldb or memory")
	f.String("leveldb-path", "veribatch-ledger", "LevelDB directory for the leveldb backend")
	f.Int("leveldb-cache", 16, "LevelDB block cache in MiB")

	f.String("prover-backend", ProverSecp256k1, "Proof backend: secp256k1 or recorder")
	f.String("prover-key", "", "Hex secp256k1 prover key, required unless the ledger is in memory")
	f.Int("verify-cache-size", 4096, "Verified certificates kept in the LRU cache, 0 disables it")

	f.Int("batch-size", 16, "Pending submissions that trigger a fold")
	f.Duration("batch-timeout", 2*time.Second, "Fold batches idle for this long")
	f.Duration("lock-ttl", 30*time.Second, "Batch fold lock TTL")
	f.Duration("batch-ttl", 24*time.Hour, "Expiry of batch state in Redis, 0 keeps it")
	f.Duration("idempotency-ttl", 24*time.Hour, "Expiry of idempotency keys")

	f.Bool("branching", false, "Select with ordinary conditionals instead of masks")
	f.Int("bit-width", 64, "Bit-width of message fields")
	f.Int("verbosity", 3, "Log level 0-5 (crit, error, warn, info, debug, trace)")
	return f
}

// Parse reads args and the environment.
func Parse(args []string) (*Config, error) {
	f := flagSet()
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	// passing k makes unchanged flag defaults yield to the environment
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("config: flags: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// VERIBATCH_BATCH_SIZE -> batch-size
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", "-")
}

func (c *Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case LedgerMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("mysql-dsn is required for the mysql ledger backend"))
		}
	case LedgerLevelDB:
		if c.LevelDBPath == "" {
			errs = append(errs, errors.New("leveldb-path is required for the leveldb ledger backend"))
		}
	case LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.LedgerBackend))
	}
	switch c.ProverBackend {
	case ProverSecp256k1:
		// batch tips in Redis outlive the process; a fresh key would orphan them
		if c.ProverKey == "" && c.LedgerBackend != LedgerMemory {
			errs = append(errs, fmt.Errorf("prover-key is required for the %s ledger backend", c.LedgerBackend))
		}
	case ProverRecorder:
	default:
		errs = append(errs, fmt.Errorf("unknown prover backend %q", c.ProverBackend))
	}
	if c.BitWidth < 1 || c.BitWidth > 64 {
		errs = append(errs, fmt.Errorf("bit-width %d out of range 1..64", c.BitWidth))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch-size must be positive"))
	}
	if c.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("batch-timeout must be positive"))
	}
	if c.Verbosity < 0 || c.Verbosity > 5 {
		errs = append(errs, fmt.Errorf("verbosity %d out of range 0..5", c.Verbosity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
