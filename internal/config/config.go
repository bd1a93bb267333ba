package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const minSecretLength = 16

type Config struct {
	Port              int
	MasterSecret      string
	GinMode           string
	TLSCertFile       string
	TLSKeyFile        string
	TokenExpiry       time.Duration
	RequireDeviceAuth bool
	PairingCodeTTL    time.Duration
	PairingsStateFile string
	LogLevel          slog.Level
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

// fileConfig is the optional CONFIG_FILE layer. Unset fields keep defaults;
// environment variables override anything set here.
type fileConfig struct {
	Port                  *int    `yaml:"port" json:"port"`
	MasterSecret          *string `yaml:"master_secret" json:"master_secret"`
	GinMode               *string `yaml:"gin_mode" json:"gin_mode"`
	TLSCertFile           *string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile            *string `yaml:"tls_key_file" json:"tls_key_file"`
	TokenExpirySeconds    *int    `yaml:"token_expiry_seconds" json:"token_expiry_seconds"`
	RequireDeviceAuth     *bool   `yaml:"require_device_auth" json:"require_device_auth"`
	PairingCodeTTLSeconds *int    `yaml:"pairing_code_ttl_seconds" json:"pairing_code_ttl_seconds"`
	PairingsStateFile     *string `yaml:"pairings_state_file" json:"pairings_state_file"`
	LogLevel              *string `yaml:"log_level" json:"log_level"`
}

// MaxPairingCodeTTL is the protocol's code validity. The TTL may be
// shortened but never extended.
const MaxPairingCodeTTL = 5 * time.Minute

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:           3000,
		GinMode:        "release",
		TokenExpiry:    7 * 24 * time.Hour,
		PairingCodeTTL: MaxPairingCodeTTL,
		LogLevel:       slog.LevelInfo,
	}

	if path := env.Getenv("CONFIG_FILE"); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("CONFIG_FILE: %w", err)
		}
		if err := fc.apply(&cfg); err != nil {
			return Config{}, err
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT")
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}
	if err := checkSecret(cfg.MasterSecret); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		d, err := positiveSeconds(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = d
	}

	if raw := env.Getenv("REQUIRE_DEVICE_AUTH"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REQUIRE_DEVICE_AUTH")
		}
		cfg.RequireDeviceAuth = v
	}

	if raw := env.Getenv("PAIRING_CODE_TTL_SECONDS"); raw != "" {
		d, err := positiveSeconds(raw)
		if err != nil || d > MaxPairingCodeTTL {
			return Config{}, fmt.Errorf("invalid PAIRING_CODE_TTL_SECONDS")
		}
		cfg.PairingCodeTTL = d
	}

	if raw := env.Getenv("PAIRINGS_STATE_FILE"); raw != "" {
		cfg.PairingsStateFile = raw
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL")
		}
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &fc); err != nil {
			return fileConfig{}, err
		}
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fileConfig{}, err
		}
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.MasterSecret != nil {
		cfg.MasterSecret = *fc.MasterSecret
	}
	if fc.GinMode != nil {
		cfg.GinMode = *fc.GinMode
	}
	if fc.TLSCertFile != nil {
		cfg.TLSCertFile = *fc.TLSCertFile
	}
	if fc.TLSKeyFile != nil {
		cfg.TLSKeyFile = *fc.TLSKeyFile
	}
	if fc.TokenExpirySeconds != nil {
		if *fc.TokenExpirySeconds <= 0 {
			return fmt.Errorf("invalid token_expiry_seconds")
		}
		cfg.TokenExpiry = time.Duration(*fc.TokenExpirySeconds) * time.Second
	}
	if fc.RequireDeviceAuth != nil {
		cfg.RequireDeviceAuth = *fc.RequireDeviceAuth
	}
	if fc.PairingCodeTTLSeconds != nil {
		if *fc.PairingCodeTTLSeconds <= 0 || time.Duration(*fc.PairingCodeTTLSeconds)*time.Second > MaxPairingCodeTTL {
			return fmt.Errorf("invalid pairing_code_ttl_seconds")
		}
		cfg.PairingCodeTTL = time.Duration(*fc.PairingCodeTTLSeconds) * time.Second
	}
	if fc.PairingsStateFile != nil {
		cfg.PairingsStateFile = *fc.PairingsStateFile
	}
	if fc.LogLevel != nil {
		if err := cfg.LogLevel.UnmarshalText([]byte(*fc.LogLevel)); err != nil {
			return fmt.Errorf("invalid log_level")
		}
	}
	return nil
}

func positiveSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(seconds) * time.Second, nil
}

var weakSecrets = map[string]struct{}{
	"changemechangeme":   {},
	"secretsecretsecret": {},
	"passwordpassword":   {},
	"0123456789abcdef":   {},
	"1234567890123456":   {},
}

// checkSecret rejects secrets an operator is likely to have left at a
// default value.
func checkSecret(secret string) error {
	if len(secret) < minSecretLength {
		return fmt.Errorf("MASTER_SECRET must be at least %d characters", minSecretLength)
	}
	if _, weak := weakSecrets[strings.ToLower(secret)]; weak {
		return fmt.Errorf("MASTER_SECRET is a known placeholder")
	}
	if strings.Count(secret, secret[:1]) == len(secret) {
		return fmt.Errorf("MASTER_SECRET is too weak")
	}
	return nil
}
