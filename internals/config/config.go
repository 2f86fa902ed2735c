package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed config.yaml
var ConfigFile []byte

// EnvPrefix marks environment overrides: RUUEB_SERVER_PORT sets server.port
const EnvPrefix = "RUUEB_"

type ServerConfig struct {
	URL          string        `koanf:"url"`
	Name         string        `koanf:"name"`
	Port         int           `koanf:"port"`
	Workers      int           `koanf:"workers"`
	QueueSize    int           `koanf:"queue_size"`
	TokenRate    int           `koanf:"token_rate"`
	TokenLimit   int           `koanf:"token_limit"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	SleepDefault time.Duration `koanf:"sleep_default"`
	SleepMax     time.Duration `koanf:"sleep_max"`
}

// Addr is the host:port the listener binds
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.URL, strconv.Itoa(c.Port))
}

type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Region    string `koanf:"region"`
	Secure    bool   `koanf:"secure"`
}

type AssetsConfig struct {
	Kind     string   `koanf:"kind"` // fs or s3
	Root     string   `koanf:"root"`
	Index    string   `koanf:"index"`
	NotFound string   `koanf:"not_found"`
	S3       S3Config `koanf:"s3"`
}

type StoreConfig struct {
	Kind        string `koanf:"kind"` // csv, postgres or redis
	Path        string `koanf:"path"`
	PostgresDSN string `koanf:"postgres_dsn"`
	RedisURL    string `koanf:"redis_url"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type PromethuesConfig struct {
	MetricsPort int64 `koanf:"metrics_port"`
	Global      struct {
		ScrapeInterval   string `koanf:"scrape_interval"`
		EvaluateInterval string `koanf:"evaluate_interval"`
	} `koanf:"global"`

	ScrapeConfigs []struct {
		JobName       string `koanf:"job_name"`
		MetricsPath   string `koanf:"metrics_path"`
		StaticConfigs []struct {
			Targets []string `koanf:"targets"`
		} `koanf:"static_configs"`
	} `koanf:"scrape_configs"`
}

// MetricsPath is the path of the first scrape config, /metrics if there is none
func (c PromethuesConfig) MetricsPath() string {
	if len(c.ScrapeConfigs) > 0 && c.ScrapeConfigs[0].MetricsPath != "" {
		return c.ScrapeConfigs[0].MetricsPath
	}
	return "/metrics"
}

type Configs struct {
	Server     ServerConfig     `koanf:"server"`
	Assets     AssetsConfig     `koanf:"assets"`
	Store      StoreConfig      `koanf:"store"`
	Log        LogConfig        `koanf:"log"`
	Promethues PromethuesConfig `koanf:"prometheus"`
} //exports all above structs config cleanly to use

// Load layers the embedded defaults, the yaml file at path (skipped when
// empty) and RUUEB_ environment variables, later sources winning.
func Load(path string) (*Configs, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(bytes.TrimSpace(ConfigFile)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error while loading default config: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error while loading config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error while loading env config: %w", err)
	}

	var cfg Configs
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps RUUEB_SERVER_QUEUE_SIZE to server.queue_size: the first
// underscore separates the section, the rest belong to the key.
// RUUEB_ASSETS_S3_BUCKET goes to assets.s3.bucket.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	if rest, nested := strings.CutPrefix(key, "s3_"); nested && section == "assets" {
		return "assets.s3." + rest
	}
	return section + "." + key
}

func (c *Configs) Validate() error {
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Assets.Kind {
	case "fs", "s3":
	default:
		return fmt.Errorf("unknown assets.kind %q", c.Assets.Kind)
	}
	switch c.Store.Kind {
	case "csv", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}
	return nil
}
