package archive

import (
	"fmt"
	"time"

	"github.com/dimitarvdimitrov/attic/store/codec"
	"github.com/dimitarvdimitrov/attic/store/data"
)

type Config struct {
	Root        string        `toml:"root"`
	Codec       string        `toml:"codec"`
	Compression string        `toml:"compression"`
	Fsync       bool          `toml:"fsync"`
	CacheTTL    time.Duration `toml:"cache_ttl"`
	// LockTimeout bounds every wait for a file lock. Zero waits forever.
	LockTimeout time.Duration `toml:"lock_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Codec:       "proto",
		Compression: "none",
		Fsync:       true,
		CacheTTL:    5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("config: root is required")
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := data.ParseEncoding(c.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CacheTTL < 0 || c.LockTimeout < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	return nil
}
