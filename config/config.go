// Package config reads the TOML configuration of the coordinator.
package config

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/egtally"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"golang.org/x/xerrors"
)

// Duration is a time.Duration written as a string like "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds the parameters of the ceremonies and decryptions run by the
// coordinator.
type Config struct {
	// Quorum is the number of guardians needed to decrypt.
	Quorum int
	// Guardians is the number of guardians of the ceremony.
	Guardians       int
	AnnounceTimeout Duration
	PhaseTimeout    Duration
	CallTimeout     Duration
	// MaxTally bounds the plaintext of a tally component.
	MaxTally int64
	// Database is the path of the record database.
	Database string
	// Roster is the path of the group TOML of the guardian conodes,
	// relative to the configuration file.
	Roster   string
	Metadata map[string]string

	dir string
}

// Default returns a configuration with the default values.
func Default() *Config {
	return &Config{
		Quorum:          2,
		Guardians:       3,
		AnnounceTimeout: Duration{30 * time.Second},
		PhaseTimeout:    Duration{2 * time.Minute},
		CallTimeout:     Duration{20 * time.Second},
		MaxTally:        1 << 20,
		Database:        "egtally.db",
		Roster:          "public.toml",
		Metadata:        map[string]string{},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, egtally.ErrorOrNil(err, "opening configuration")
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	c.dir = filepath.Dir(path)
	return c, nil
}

// Parse reads a configuration, using the default for every missing value.
func Parse(r io.Reader) (*Config, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, egtally.ErrorOrNil(err, "reading configuration")
	}
	c := Default()
	if _, err := toml.Decode(string(buf), c); err != nil {
		return nil, egtally.ErrorOrNil(err, "decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if c.Quorum < 1 {
		return xerrors.Errorf("quorum %d is smaller than 1", c.Quorum)
	}
	if c.Quorum > c.Guardians {
		return xerrors.Errorf("quorum %d is larger than the %d guardians", c.Quorum, c.Guardians)
	}
	for name, d := range map[string]Duration{
		"AnnounceTimeout": c.AnnounceTimeout,
		"PhaseTimeout":    c.PhaseTimeout,
		"CallTimeout":     c.CallTimeout,
	} {
		if d.Duration <= 0 {
			return xerrors.Errorf("%s must be positive", name)
		}
	}
	if c.MaxTally < 1 {
		return xerrors.New("MaxTally must be positive")
	}
	return nil
}

// Path resolves a path of the configuration relative to its file.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ReadRoster reads the roster of the guardian conodes. It must hold
// exactly Guardians conodes.
func (c *Config) ReadRoster() (*onet.Roster, error) {
	f, err := os.Open(c.Path(c.Roster))
	if err != nil {
		return nil, egtally.ErrorOrNil(err, "opening roster")
	}
	defer f.Close()
	group, err := app.ReadGroupDescToml(f)
	if err != nil {
		return nil, egtally.ErrorOrNil(err, "reading roster")
	}
	if group.Roster == nil || len(group.Roster.List) != c.Guardians {
		return nil, xerrors.Errorf("roster does not hold %d guardians", c.Guardians)
	}
	return group.Roster, nil
}
