package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"certmimic/internal/faker"
)

type BasicAuth struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Security struct {
	BasicAuth BasicAuth `yaml:"basic_auth"`
}

type Limits struct {
	MaxConns     int           `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Faker controls how intercepted certificates are impersonated.
type Faker struct {
	KeyFamilies    []string      `yaml:"key_families"`
	SerialBits     int           `yaml:"serial_bits"`
	CopyExtensions bool          `yaml:"copy_extensions"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// Families converts KeyFamilies; call Validate first.
func (f Faker) Families() []faker.KeyFamily {
	out := make([]faker.KeyFamily, 0, len(f.KeyFamilies))
	for _, s := range f.KeyFamilies {
		if kf, ok := faker.ParseKeyFamily(strings.ToLower(strings.TrimSpace(s))); ok {
			out = append(out, kf)
		}
	}
	return out
}

// Options maps the section onto faker handler options.
func (f Faker) Options() []faker.Option {
	return []faker.Option{
		faker.WithKeyFamilies(f.Families()...),
		faker.WithSerialBits(f.SerialBits),
		faker.WithCopyExtensions(f.CopyExtensions),
	}
}

type Upstream struct {
	Handshake          string        `yaml:"handshake"` // terasu | standard
	DNS                string        `yaml:"dns"`       // terasu | system
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Listen        string   `yaml:"listen"`
	Mode          string   `yaml:"mode"`
	InterceptList []string `yaml:"intercept_list"`
	BypassList    []string `yaml:"bypass_list"`
	Faker         Faker    `yaml:"faker"`
	Upstream      Upstream `yaml:"upstream"`
	Security      Security `yaml:"security"`
	Limits        Limits   `yaml:"limits"`
	Logging       Logging  `yaml:"logging"`
	Metrics       Metrics  `yaml:"metrics"`
}

func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8080",
		Mode:   "all",
		Faker: Faker{
			KeyFamilies:    []string{string(faker.FamilyRSA)},
			SerialBits:     faker.MinSerialBits,
			CopyExtensions: true,
			CacheTTL:       time.Hour,
		},
		Upstream: Upstream{Handshake: "terasu", DNS: "system", DialTimeout: 10 * time.Second},
		Limits:   Limits{MaxConns: 4096, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Logging:  Logging{Level: "info", Format: "text"},
	}
}

// Load loads config from yaml file; empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	var list []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			list = append(list, p)
		}
	}
	return list
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CERTMIMIC_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CERTMIMIC_MODE"); v != "" {
		cfg.Mode = v
	}
	if list := splitList(os.Getenv("CERTMIMIC_INTERCEPT_LIST")); len(list) > 0 {
		cfg.InterceptList = list
	}
	if list := splitList(os.Getenv("CERTMIMIC_BYPASS_LIST")); len(list) > 0 {
		cfg.BypassList = list
	}
	if list := splitList(os.Getenv("CERTMIMIC_FAKER_KEY_FAMILIES")); len(list) > 0 {
		cfg.Faker.KeyFamilies = list
	}
	if v := os.Getenv("CERTMIMIC_FAKER_SERIAL_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Faker.SerialBits = n
		}
	}
	if v := os.Getenv("CERTMIMIC_FAKER_COPY_EXTENSIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Faker.CopyExtensions = b
		}
	}
	if v := os.Getenv("CERTMIMIC_FAKER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Faker.CacheTTL = d
		}
	}
	if v := os.Getenv("CERTMIMIC_UPSTREAM_HANDSHAKE"); v != "" {
		cfg.Upstream.Handshake = v
	}
	if v := os.Getenv("CERTMIMIC_UPSTREAM_DNS"); v != "" {
		cfg.Upstream.DNS = v
	}
	if v := os.Getenv("CERTMIMIC_UPSTREAM_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Upstream.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("CERTMIMIC_UPSTREAM_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.DialTimeout = d
		}
	}
	if v := os.Getenv("CERTMIMIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CERTMIMIC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CERTMIMIC_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("CERTMIMIC_LIMITS_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConns = n
		}
	}
	if v := os.Getenv("CERTMIMIC_LIMITS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.ReadTimeout = d
		}
	}
	if v := os.Getenv("CERTMIMIC_LIMITS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.WriteTimeout = d
		}
	}
	if v := os.Getenv("CERTMIMIC_BASIC_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.BasicAuth.Enabled = b
		}
	}
	if v := os.Getenv("CERTMIMIC_BASIC_AUTH_USERNAME"); v != "" {
		cfg.Security.BasicAuth.Username = v
	}
	if v := os.Getenv("CERTMIMIC_BASIC_AUTH_PASSWORD"); v != "" {
		cfg.Security.BasicAuth.Password = v
	}
}

// Validate rejects values the proxy cannot act on.
func (c *Config) Validate() error {
	switch c.Mode {
	case "all", "list", "none":
	default:
		return fmt.Errorf("invalid mode %q (want all, list or none)", c.Mode)
	}
	if len(c.Faker.KeyFamilies) == 0 {
		return fmt.Errorf("faker.key_families is empty")
	}
	for _, f := range c.Faker.KeyFamilies {
		if _, ok := faker.ParseKeyFamily(strings.ToLower(strings.TrimSpace(f))); !ok {
			return fmt.Errorf("unknown key family %q", f)
		}
	}
	if c.Faker.SerialBits < faker.MinSerialBits || c.Faker.SerialBits > faker.MaxSerialBits {
		return fmt.Errorf("faker.serial_bits must be within [%d, %d]", faker.MinSerialBits, faker.MaxSerialBits)
	}
	switch c.Upstream.Handshake {
	case "terasu", "standard":
	default:
		return fmt.Errorf("invalid upstream.handshake %q", c.Upstream.Handshake)
	}
	switch c.Upstream.DNS {
	case "terasu", "system":
	default:
		return fmt.Errorf("invalid upstream.dns %q", c.Upstream.DNS)
	}
	return nil
}
