// Package config handles xload.toml host configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/link"
	"github.com/chazu/crossload/loader"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "xload.toml"

var ErrInvalid = errors.New("config: invalid configuration")

//go:embed schema.cue
var schemaSource string

// Config represents an xload.toml file.
type Config struct {
	Device       Device        `toml:"device"`
	Loader       Loader        `toml:"loader"`
	Replacements []Replacement `toml:"replacement"`
	Journal      Journal       `toml:"journal"`
	Log          Log           `toml:"log"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Device selects the serial port or TCP bridge of the executor.
type Device struct {
	Port       string   `toml:"port"`
	Baud       int      `toml:"baud"`
	AckTimeout Duration `toml:"ack-timeout"`
}

// Loader tunes frame planning and closure limits.
type Loader struct {
	Image            string   `toml:"image"`
	ILChunk          int      `toml:"il-chunk"`
	TokenPairs       int      `toml:"token-pairs"`
	SignatureChunk   int      `toml:"signature-chunk"`
	ConstantChunk    int      `toml:"constant-chunk"`
	ClassMembers     int      `toml:"class-members"`
	MaxMethods       int      `toml:"max-methods"`
	MaxILLength      int      `toml:"max-il-length"`
	ResetGrace       Duration `toml:"reset-grace"`
	SuppressTypeInit []string `toml:"suppress-type-init"`
}

// Replacement swaps a framework type for a device-friendly one.
type Replacement struct {
	Original    string `toml:"original"`
	Replacement string `toml:"replacement"`
	Subclasses  bool   `toml:"subclasses"`
}

// Journal configures the load journal.
type Journal struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses the xload.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("config: cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an xload.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Parse decodes and validates configuration text, then fills defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse error: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse error: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// validate checks the raw document against the embedded schema. Unknown
// keys are rejected because #Config is closed.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Device.Baud == 0 {
		c.Device.Baud = link.DefaultBaud
	}
	if c.Device.AckTimeout.Duration == 0 {
		c.Device.AckTimeout.Duration = link.DefaultAckTimeout
	}
	if c.Loader.ILChunk == 0 {
		c.Loader.ILChunk = loader.DefaultILChunkSize
	}
	if c.Loader.TokenPairs == 0 {
		c.Loader.TokenPairs = loader.DefaultTokenPairsPerMessage
	}
	if c.Loader.SignatureChunk == 0 {
		c.Loader.SignatureChunk = loader.DefaultSignatureChunk
	}
	if c.Loader.ConstantChunk == 0 {
		c.Loader.ConstantChunk = loader.DefaultConstantChunk
	}
	if c.Loader.ClassMembers == 0 {
		c.Loader.ClassMembers = loader.DefaultMembersPerMessage
	}
	if c.Loader.MaxMethods == 0 {
		c.Loader.MaxMethods = closure.DefaultMaxMethods
	}
	if c.Loader.MaxILLength == 0 {
		c.Loader.MaxILLength = closure.DefaultMaxILLength
	}
	if c.Loader.ResetGrace.Duration == 0 {
		c.Loader.ResetGrace.Duration = loader.DefaultResetGrace
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(".xload", "journal.db")
	}
}

// JournalPath returns the journal location, relative paths taken from the
// configuration directory.
func (c *Config) JournalPath() string {
	if filepath.IsAbs(c.Journal.Path) || c.Dir == "" {
		return c.Journal.Path
	}
	return filepath.Join(c.Dir, c.Journal.Path)
}

// LinkOptions returns the link settings.
func (c *Config) LinkOptions() link.Options {
	return link.Options{AckTimeout: c.Device.AckTimeout.Duration}
}

// LoaderOptions returns the loader and closure settings.
func (c *Config) LoaderOptions() loader.Options {
	opts := loader.Options{
		ILChunkSize:          c.Loader.ILChunk,
		TokenPairsPerMessage: c.Loader.TokenPairs,
		SignatureChunk:       c.Loader.SignatureChunk,
		ConstantChunk:        c.Loader.ConstantChunk,
		MembersPerMessage:    c.Loader.ClassMembers,
		ResetGrace:           c.Loader.ResetGrace.Duration,
		Closure: closure.Options{
			MaxMethods:       c.Loader.MaxMethods,
			MaxILLength:      c.Loader.MaxILLength,
			SuppressTypeInit: c.Loader.SuppressTypeInit,
		},
	}
	for _, r := range c.Replacements {
		opts.Closure.Replacements = append(opts.Closure.Replacements, closure.Replacement{
			Original:          r.Original,
			Replacement:       r.Replacement,
			IncludeSubclasses: r.Subclasses,
		})
	}
	return opts
}
