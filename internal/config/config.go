package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Duration is a time.Duration that reads from TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Addr     string `toml:"addr"`
	LogLevel string `toml:"log-level"`

	// Engine is "log" for the persistent log engine or "memory".
	Engine string `toml:"engine"`
	// DataPath is the log file used by the log engine.
	DataPath string `toml:"data-path"`

	// CompactOnOpen rewrites the log when the server starts.
	CompactOnOpen bool `toml:"compact-on-open"`
	// RecoverOnStart rolls back transactions left in flight by a crash.
	RecoverOnStart bool `toml:"recover-on-start"`

	// CompactInterval is how often the background task checks whether the
	// log needs compacting. Zero disables the task.
	CompactInterval Duration `toml:"compact-interval"`
	// CompactGarbageRatio is the fraction of the log that must be garbage
	// before a background compaction runs.
	CompactGarbageRatio float64 `toml:"compact-garbage-ratio"`
	// CompactMinBytes is the smallest garbage size worth compacting.
	CompactMinBytes uint64 `toml:"compact-min-bytes"`

	// TxnIdleTimeout rolls back explicit transactions open for longer.
	TxnIdleTimeout Duration `toml:"txn-idle-timeout"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func (c *Config) Validate() error {
	switch c.Engine {
	case "log":
		if c.DataPath == "" {
			return errors.New("config: data-path is required for the log engine")
		}
	case "memory":
	default:
		return errors.Errorf("config: unknown engine %q", c.Engine)
	}
	if c.CompactGarbageRatio < 0 || c.CompactGarbageRatio > 1 {
		return errors.Errorf("config: compact-garbage-ratio %v not in [0, 1]", c.CompactGarbageRatio)
	}
	if c.CompactInterval.Duration < 0 || c.TxnIdleTimeout.Duration < 0 {
		return errors.New("config: intervals must not be negative")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Addr:                "127.0.0.1:9000",
		LogLevel:            getLogLevel(),
		Engine:              "log",
		DataPath:            "/tmp/sqldb/sqldb.log",
		RecoverOnStart:      true,
		CompactInterval:     Duration{time.Minute},
		CompactGarbageRatio: 0.5,
		CompactMinBytes:     4 * MB,
		TxnIdleTimeout:      Duration{5 * time.Minute},
	}
}

func NewTestConfig() *Config {
	return &Config{
		Addr:                "127.0.0.1:0",
		LogLevel:            getLogLevel(),
		Engine:              "memory",
		CompactInterval:     Duration{50 * time.Millisecond},
		CompactGarbageRatio: 0.5,
		CompactMinBytes:     KB,
		TxnIdleTimeout:      Duration{time.Second},
	}
}

// LoadFile reads a TOML file over the defaults. Keys the file does not set
// keep their default values; unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	return c, nil
}
