package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	CommandPublish   = "publish"
	CommandSubscribe = "subscribe"
)

// Config holds the CLI configuration.
type Config struct {
	Command      string   `yaml:"-"`
	URL          string   `yaml:"url"`           // AMQP connection URL
	Exchange     string   `yaml:"exchange"`      // exchange to publish to or bind on
	ExchangeKind string   `yaml:"exchange_kind"` // topic|direct|fanout
	Queue        string   `yaml:"queue"`         // subscribe only
	RoutingKeys  []string `yaml:"routing_keys"`  // subscribe only, default [queue]
	LogLevel     string   `yaml:"log_level"`
	Verbose      bool     `yaml:"verbose"`
	MetricsAddr  string   `yaml:"metrics_addr"` // empty = no metrics server

	RoutingKey string `yaml:"-"` // publish only
	Payload    string `yaml:"-"` // publish only
}

// envVars maps flag names to the environment variables used as fallbacks.
var envVars = map[string]string{
	"url":           "RABBITMQ_URL",
	"exchange":      "PUBSUB_EXCHANGE",
	"exchange-kind": "PUBSUB_EXCHANGE_KIND",
	"queue":         "PUBSUB_QUEUE",
	"routing-keys":  "PUBSUB_ROUTING_KEYS",
	"log-level":     "LOG_LEVEL",
	"metrics-addr":  "METRICS_ADDR",
}

// Parse builds a Config from args, where args[0] is the command.
// Values come from, in increasing priority: defaults, the YAML file given by
// --config, environment variables (optionally loaded from --env-file) and
// explicitly set flags.
func Parse(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, errors.New("usage: pubsub publish|subscribe [flags]")
	}
	cmd := args[0]
	if cmd != CommandPublish && cmd != CommandSubscribe {
		return nil, fmt.Errorf("unknown command %q: want publish or subscribe", cmd)
	}

	flags := flag.NewFlagSet("pubsub "+cmd, flag.ContinueOnError)

	cfg := &Config{Command: cmd}
	var routingKeys, configPath, envFile string
	flags.StringVar(&cfg.URL, "url", "amqp://localhost", "AMQP connection URL")
	flags.StringVar(&cfg.Exchange, "exchange", "", "exchange name")
	flags.StringVar(&cfg.ExchangeKind, "exchange-kind", "topic", "exchange kind")
	flags.StringVar(&cfg.Queue, "queue", "", "queue name (subscribe)")
	flags.StringVar(&routingKeys, "routing-keys", "", "comma separated binding keys (subscribe)")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.Verbose, "verbose", false, "human readable logs")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address for /metrics and /health")
	flags.StringVar(&configPath, "config", "", "optional YAML config file")
	flags.StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	if err := flags.Parse(args[1:]); err != nil {
		return nil, err
	}

	explicit := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if explicit["routing-keys"] {
		cfg.RoutingKeys = splitKeys(routingKeys)
	}

	if configPath != "" {
		if err := cfg.applyFile(configPath, explicit); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("env file: %w", err)
	}
	cfg.applyEnv(explicit)

	if cmd == CommandPublish {
		rest := flags.Args()
		if len(rest) > 0 {
			cfg.RoutingKey = rest[0]
		}
		if len(rest) > 1 {
			cfg.Payload = rest[1]
		}
	}

	return cfg, nil
}

// applyFile fills every field not set by a flag from the YAML file at path.
func (c *Config) applyFile(path string, explicit map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setString(&c.URL, file.URL, !explicit["url"])
	setString(&c.Exchange, file.Exchange, !explicit["exchange"])
	setString(&c.ExchangeKind, file.ExchangeKind, !explicit["exchange-kind"])
	setString(&c.Queue, file.Queue, !explicit["queue"])
	setString(&c.LogLevel, file.LogLevel, !explicit["log-level"])
	setString(&c.MetricsAddr, file.MetricsAddr, !explicit["metrics-addr"])
	if len(file.RoutingKeys) > 0 && !explicit["routing-keys"] {
		c.RoutingKeys = file.RoutingKeys
	}
	if file.Verbose && !explicit["verbose"] {
		c.Verbose = true
	}
	return nil
}

// applyEnv applies environment fallbacks for flags that were not set.
func (c *Config) applyEnv(explicit map[string]bool) {
	lookup := func(flagName string) (string, bool) {
		if explicit[flagName] {
			return "", false
		}
		v := os.Getenv(envVars[flagName])
		return v, v != ""
	}

	if v, ok := lookup("url"); ok {
		c.URL = v
	}
	if v, ok := lookup("exchange"); ok {
		c.Exchange = v
	}
	if v, ok := lookup("exchange-kind"); ok {
		c.ExchangeKind = v
	}
	if v, ok := lookup("queue"); ok {
		c.Queue = v
	}
	if v, ok := lookup("routing-keys"); ok {
		c.RoutingKeys = splitKeys(v)
	}
	if v, ok := lookup("log-level"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("metrics-addr"); ok {
		c.MetricsAddr = v
	}
}

// Validate checks that the values are usable for the command.
func (c *Config) Validate() error {
	if c.Exchange == "" {
		return errors.New("exchange is required")
	}
	switch c.Command {
	case CommandSubscribe:
		if c.Queue == "" {
			return errors.New("queue is required to subscribe")
		}
	case CommandPublish:
		if c.RoutingKey == "" {
			return errors.New("usage: pubsub publish [flags] <routing-key> <payload>")
		}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("invalid url: scheme must be amqp or amqps, got %q", u.Scheme)
	}
	return nil
}

func setString(dst *string, v string, ok bool) {
	if ok && v != "" {
		*dst = v
	}
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
