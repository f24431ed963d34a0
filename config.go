package parcelport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables overriding a
// loaded `Config`, e.g. `PARCELPORT_MAX_RETRIES`.
const EnvPrefix = "PARCELPORT_"

// Config is the constructor-time configuration of a `Parcelport`. It is
// immutable once the `Parcelport` is created.
type Config struct {
	// Locality is the identifier of this node.
	Locality LocalityID `yaml:"locality"`

	// ListenAddrs are the local endpoints inbound parcels are accepted on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// MaxCacheSize bounds the number of idle connections, all destinations
	// included.
	MaxCacheSize int `yaml:"max_cache_size"`

	// MaxConnectionsPerLocality bounds the number of connections, idle or
	// in use, opened to a single destination.
	MaxConnectionsPerLocality int `yaml:"max_connections_per_locality"`

	// MaxRetries is how many times every endpoint of a destination is tried
	// before giving up on a connection.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is waited between two sweeps over the endpoints.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds the write of a batch of parcels.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxFrameSize bounds the size of a batch of parcels on the wire.
	MaxFrameSize uint64 `yaml:"max_frame_size"`
}

func DefaultConfig() Config {
	return Config{
		MaxCacheSize:              512,
		MaxConnectionsPerLocality: 4,
		MaxRetries:                100,
		RetryDelay:                100 * time.Millisecond,
		DialTimeout:               30 * time.Second,
		WriteTimeout:              30 * time.Second,
		MaxFrameSize:              64 << 20,
	}
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.MaxCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("max_cache_size must be positive, got %d", cfg.MaxCacheSize))
	}
	if cfg.MaxConnectionsPerLocality <= 0 {
		errs = append(errs, fmt.Errorf(
			"max_connections_per_locality must be positive, got %d", cfg.MaxConnectionsPerLocality))
	}
	if cfg.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive, got %d", cfg.MaxRetries))
	}
	if cfg.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative, got %s", cfg.RetryDelay))
	}
	if cfg.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dial_timeout must be positive, got %s", cfg.DialTimeout))
	}
	if cfg.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %s", cfg.WriteTimeout))
	}
	if cfg.MaxFrameSize == 0 {
		errs = append(errs, errors.New("max_frame_size must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return nil
}

// LoadConfig reads a YAML configuration file on top of `DefaultConfig`,
// then applies the environment overrides.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig is like `LoadConfig` but reads the YAML document from `r`.
func ReadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		val, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(val), ok && strings.TrimSpace(val) != ""
	}

	if val, ok := get("LOCALITY"); ok {
		id, err := strconv.ParseUint(val, 10, 32)
		errs = append(errs, err)
		cfg.Locality = LocalityID(id)
	}
	if val, ok := get("LISTEN_ADDRS"); ok {
		cfg.ListenAddrs = strings.Split(val, ",")
	}
	for name, dst := range map[string]*int{
		"MAX_CACHE_SIZE":               &cfg.MaxCacheSize,
		"MAX_CONNECTIONS_PER_LOCALITY": &cfg.MaxConnectionsPerLocality,
		"MAX_RETRIES":                  &cfg.MaxRetries,
	} {
		if val, ok := get(name); ok {
			n, err := strconv.Atoi(val)
			errs = append(errs, err)
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Duration{
		"RETRY_DELAY":   &cfg.RetryDelay,
		"DIAL_TIMEOUT":  &cfg.DialTimeout,
		"WRITE_TIMEOUT": &cfg.WriteTimeout,
	} {
		if val, ok := get(name); ok {
			d, err := time.ParseDuration(val)
			errs = append(errs, err)
			*dst = d
		}
	}
	if val, ok := get("MAX_FRAME_SIZE"); ok {
		n, err := strconv.ParseUint(val, 10, 64)
		errs = append(errs, err)
		cfg.MaxFrameSize = n
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: environment: %w", ErrInvalidCfg, err)
	}
	return nil
}
