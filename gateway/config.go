package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ClientConfig describes one API key accepted by the gateway and the ledger
// address it acts for.
type ClientConfig struct {
	Key     string `yaml:"key"`
	Secret  string `yaml:"secret"`
	Address string `yaml:"address"`
}

// ServiceConfig is the gateway daemon configuration, decoded from YAML.
type ServiceConfig struct {
	ListenAddress        string         `yaml:"listenAddress"`
	TimestampSkewSeconds int64          `yaml:"timestampSkewSeconds"`
	NonceWindowSeconds   int64          `yaml:"nonceWindowSeconds"`
	RateLimitPerMinute   int            `yaml:"rateLimitPerMinute"`
	Clients              []ClientConfig `yaml:"clients"`
}

// LoadServiceConfig reads and validates the YAML config at path.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &ServiceConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("gateway: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *ServiceConfig) applyDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8081"
	}
	if cfg.TimestampSkewSeconds == 0 {
		cfg.TimestampSkewSeconds = int64(defaultTimestampSkew / time.Second)
	}
	if cfg.NonceWindowSeconds == 0 {
		cfg.NonceWindowSeconds = int64(defaultNonceWindow / time.Second)
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 120
	}
}

// Validate rejects configurations the gateway cannot serve with.
func (cfg *ServiceConfig) Validate() error {
	if cfg.TimestampSkewSeconds < 0 || cfg.NonceWindowSeconds < 0 {
		return fmt.Errorf("gateway: negative auth windows")
	}
	if cfg.RateLimitPerMinute < 0 {
		return fmt.Errorf("gateway: negative rate limit")
	}
	seen := make(map[string]struct{}, len(cfg.Clients))
	for i, client := range cfg.Clients {
		key := strings.TrimSpace(client.Key)
		if key == "" {
			return fmt.Errorf("gateway: client %d missing key", i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("gateway: duplicate client key %q", key)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(client.Secret) == "" {
			return fmt.Errorf("gateway: client %q missing secret", key)
		}
		if !common.IsHexAddress(client.Address) {
			return fmt.Errorf("gateway: client %q has invalid address %q", key, client.Address)
		}
	}
	return nil
}

// AuthClients converts the configured clients for the authenticator.
func (cfg *ServiceConfig) AuthClients() []Client {
	clients := make([]Client, 0, len(cfg.Clients))
	for _, client := range cfg.Clients {
		clients = append(clients, Client{
			Key:     strings.TrimSpace(client.Key),
			Secret:  strings.TrimSpace(client.Secret),
			Address: common.HexToAddress(client.Address),
		})
	}
	return clients
}
