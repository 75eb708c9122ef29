package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/infra/monitoring"
	"github.com/alexisml/evbalance/infra/mqtt"
)

type Config struct {
	MQTT       mqtt.Config       `json:"mqtt"`
	Balancer   BalancerConfig    `json:"balancer"`
	Metrics    metrics.Config    `json:"metrics"`
	Monitoring monitoring.Config `json:"monitoring"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("EVB_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "evb_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Balancer.SetDefaults()
	cfg.MQTT.SetDefaults()
	if err := cfg.Balancer.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.MQTT.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
