package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/ridergate/internal/app"
)

// envPrefix marks environment variables that configure ridergate (e.g., RIDERGATE_SERVER__HOST → server.host)
const envPrefix = "RIDERGATE_"

// configCategory groups the flags that map onto app.Config. Other flags, such as --config
// or --email, are command inputs and never reach the configuration.
const configCategory = "Configuration"

// source is one configuration layer. Later layers override earlier ones.
type source struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// loadConfig loads application configuration with precedence
// config file → environment variables → CLI flags → defaults.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	var sources []source
	if configPath != "" {
		sources = append(sources, source{name: "config file", provider: file.Provider(configPath), parser: toml.Parser()})
	}
	sources = append(sources, source{
		name: "environment variables",
		provider: env.Provider(".", env.Opt{
			Prefix: envPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return configKey(strings.TrimPrefix(key, envPrefix), "__", "_"), value
			},
			EnvironFunc: environFunc,
		}),
	})
	if cmd != nil {
		sources = append(sources, source{name: "CLI flags", provider: confmap.Provider(configFlags(cmd), ".")})
	}

	k := koanf.New(".")
	for _, src := range sources {
		if err := k.Load(src.provider, src.parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", src.name, err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// configFlags collects the explicitly set configuration flags of cmd and its parents,
// keyed like the config file: --server--host → server.host, --log-level → log_level.
func configFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, c := range cmd.Lineage() {
		for _, flag := range c.Flags {
			categorized, ok := flag.(interface{ GetCategory() string })
			if !ok || categorized.GetCategory() != configCategory {
				continue
			}
			name := flag.Names()[0]
			// Unset flags keep the value from earlier sources
			if _, seen := values[configKey(name, "--", "-")]; seen || !cmd.IsSet(name) {
				continue
			}
			if value := cmd.Value(name); value != nil {
				values[configKey(name, "--", "-")] = value
			}
		}
	}
	return values
}

// configKey maps a flag or env name to a dotted config key. nest separates sections
// and word separates words within a key.
func configKey(name, nest, word string) string {
	sections := strings.Split(name, nest)
	for i, s := range sections {
		sections[i] = strings.ReplaceAll(strings.ToLower(s), word, "_")
	}
	return strings.Join(sections, ".")
}
