// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads relayer configuration from config.yaml, an optional
// .env file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultMinConfirmations matches the registry publisher's historical setting.
const DefaultMinConfirmations = 1

// ChainConfig holds the signing identity for a single chain.
type ChainConfig struct {
	Name             string
	RPCURL           string
	ChainID          uint64
	PrivateKey       string
	MinConfirmations uint64
}

// OAuthConfig holds optional client credentials for the email gateway.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Enabled reports whether enough fields are set to request tokens.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != "" && o.TokenURL != ""
}

// Config holds all configuration for the relayer.
type Config struct {
	Chains       map[string]ChainConfig
	DefaultChain string

	// DKIM registry
	DKIMChain           string
	DKIMRegistryAddress string

	// Email gateway
	SMTPURL           string
	RelayerEmailAddr  string
	EmailTemplatesDir string
	SendAcks          bool
	EmailOAuth        OAuthConfig

	// Storage
	DatabaseURL string

	// Redis
	RedisURL     string
	InboundQueue string
	EventsQueue  string

	// Lifecycle events
	EventsBackend  string // "redis", "amqp" or "none"
	AMQPURL        string
	EventsExchange string

	// Confirmation wait
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration

	// API
	Port        int
	JWTSecret   string
	CORSOrigins []string

	LogLevel string
}

// ChainNames returns the configured chain names in sorted order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Chains map[string]struct {
		RPCURL           string `yaml:"rpc_url"`
		ChainID          uint64 `yaml:"chain_id"`
		PrivateKey       string `yaml:"private_key"`
		MinConfirmations uint64 `yaml:"min_confirmations"`
	} `yaml:"chains"`
	DefaultChain string `yaml:"default_chain"`
	DKIM         struct {
		Chain           string `yaml:"chain"`
		RegistryAddress string `yaml:"registry_address"`
	} `yaml:"dkim"`
	Email struct {
		SMTPURL        string `yaml:"smtp_url"`
		RelayerAddress string `yaml:"relayer_address"`
		TemplatesDir   string `yaml:"templates_dir"`
		SendAcks       *bool  `yaml:"send_acks"`
		OAuth          struct {
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			TokenURL     string   `yaml:"token_url"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"email"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Inbound string `yaml:"inbound"`
			Events  string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Events struct {
		Backend  string `yaml:"backend"`
		AMQPURL  string `yaml:"amqp_url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`
	Confirmation struct {
		PollInterval string `yaml:"poll_interval"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"confirmation"`
	API struct {
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"api"`
}

// envConfig holds settings that may come from the environment alone.
type envConfig struct {
	DatabaseURL         string        `env:"DATABASE_URL"`
	RedisURL            string        `env:"REDIS_URL"`
	SMTPURL             string        `env:"SMTP_URL"`
	RelayerEmailAddr    string        `env:"RELAYER_EMAIL_ADDR"`
	EmailTemplatesDir   string        `env:"EMAIL_TEMPLATES_DIR"`
	DKIMRegistryAddress string        `env:"DKIM_REGISTRY_ADDRESS"`
	EventsBackend       string        `env:"EVENTS_BACKEND"`
	AMQPURL             string        `env:"AMQP_URL"`
	JWTSecret           string        `env:"JWT_SECRET"`
	PollInterval        time.Duration `env:"CONFIRMATION_POLL_INTERVAL" envDefault:"2s"`
	ConfirmationTimeout time.Duration `env:"CONFIRMATION_TIMEOUT" envDefault:"3m"`
	Port                int           `env:"PORT" envDefault:"8080"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file, then config.yaml (with env var
// expansion) from CONFIG_PATH.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFile reads configuration from the given YAML file. Environment
// variables fill only the scalars the file leaves empty.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	var ev envConfig
	if err := env.Parse(&ev); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	pollInterval, err := durationOr(raw.Confirmation.PollInterval, ev.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("confirmation.poll_interval: %w", err)
	}
	confirmTimeout, err := durationOr(raw.Confirmation.Timeout, ev.ConfirmationTimeout)
	if err != nil {
		return nil, fmt.Errorf("confirmation.timeout: %w", err)
	}

	cfg := &Config{
		Chains:              make(map[string]ChainConfig),
		DefaultChain:        raw.DefaultChain,
		DKIMChain:           raw.DKIM.Chain,
		DKIMRegistryAddress: firstNonEmpty(raw.DKIM.RegistryAddress, ev.DKIMRegistryAddress),
		SMTPURL:             strings.TrimRight(firstNonEmpty(raw.Email.SMTPURL, ev.SMTPURL), "/"),
		RelayerEmailAddr:    firstNonEmpty(raw.Email.RelayerAddress, ev.RelayerEmailAddr),
		EmailTemplatesDir:   firstNonEmpty(raw.Email.TemplatesDir, ev.EmailTemplatesDir),
		SendAcks:            raw.Email.SendAcks == nil || *raw.Email.SendAcks,
		EmailOAuth: OAuthConfig{
			ClientID:     raw.Email.OAuth.ClientID,
			ClientSecret: raw.Email.OAuth.ClientSecret,
			TokenURL:     raw.Email.OAuth.TokenURL,
			Scopes:       raw.Email.OAuth.Scopes,
		},
		DatabaseURL:         firstNonEmpty(raw.Database.URL, ev.DatabaseURL),
		RedisURL:            firstNonEmpty(raw.Redis.URL, ev.RedisURL, "redis://localhost:6379/0"),
		InboundQueue:        firstNonEmpty(raw.Redis.Queues.Inbound, "relayer:inbound"),
		EventsQueue:         firstNonEmpty(raw.Redis.Queues.Events, "relayer:events"),
		EventsBackend:       strings.ToLower(firstNonEmpty(raw.Events.Backend, ev.EventsBackend, "redis")),
		AMQPURL:             firstNonEmpty(raw.Events.AMQPURL, ev.AMQPURL),
		EventsExchange:      firstNonEmpty(raw.Events.Exchange, "relayer.events"),
		PollInterval:        pollInterval,
		ConfirmationTimeout: confirmTimeout,
		Port:                ev.Port,
		JWTSecret:           ev.JWTSecret,
		CORSOrigins:         raw.API.CORSOrigins,
		LogLevel:            ev.LogLevel,
	}

	for name, c := range raw.Chains {
		// Entries with blank credentials are treated as commented out.
		if strings.TrimSpace(c.RPCURL) == "" || strings.TrimSpace(c.PrivateKey) == "" {
			continue
		}
		if c.ChainID == 0 {
			return nil, fmt.Errorf("chain %q: chain_id is required", name)
		}
		cc := ChainConfig{
			Name:             name,
			RPCURL:           c.RPCURL,
			ChainID:          c.ChainID,
			PrivateKey:       c.PrivateKey,
			MinConfirmations: c.MinConfirmations,
		}
		if cc.MinConfirmations == 0 {
			cc.MinConfirmations = DefaultMinConfirmations
		}
		cfg.Chains[name] = cc
	}

	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("no chains configured: check config.yaml and environment variables")
	}

	if cfg.DefaultChain == "" && len(cfg.Chains) == 1 {
		cfg.DefaultChain = cfg.ChainNames()[0]
	}
	if _, ok := cfg.Chains[cfg.DefaultChain]; !ok {
		return nil, fmt.Errorf("default_chain %q is not a configured chain", cfg.DefaultChain)
	}
	if cfg.DKIMChain == "" {
		cfg.DKIMChain = cfg.DefaultChain
	}
	if _, ok := cfg.Chains[cfg.DKIMChain]; !ok {
		return nil, fmt.Errorf("dkim.chain %q is not a configured chain", cfg.DKIMChain)
	}

	switch cfg.EventsBackend {
	case "redis", "none":
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("events.backend is amqp but no amqp_url is set")
		}
	default:
		return nil, fmt.Errorf("unknown events.backend %q", cfg.EventsBackend)
	}

	if cfg.PollInterval <= 0 || cfg.ConfirmationTimeout < cfg.PollInterval {
		return nil, fmt.Errorf("confirmation timeout %s must be at least the poll interval %s",
			cfg.ConfirmationTimeout, cfg.PollInterval)
	}

	return cfg, nil
}

func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
