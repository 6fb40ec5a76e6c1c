package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/slots"
)

const envPrefix = "KNOCK_"

type Config struct {
	HTTP struct {
		Addr              string        `koanf:"addr"`
		ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
		ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"http"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	Idempotency struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"idempotency"`

	RabbitMQ struct {
		URL      string `koanf:"url"`
		Exchange string `koanf:"exchange"`
		Queue    string `koanf:"queue"`
	} `koanf:"rabbitmq"`

	Log struct {
		Level string `koanf:"level"`
		File  string `koanf:"file"`
	} `koanf:"log"`

	Booking struct {
		Cooldown    time.Duration `koanf:"cooldown"`
		MaxQuantity int           `koanf:"max_quantity"`
		AlwaysOpen  bool          `koanf:"always_open"`
		FallbackDay string        `koanf:"fallback_day"`
		RatingDelay time.Duration `koanf:"rating_delay"`
	} `koanf:"booking"`

	Slots struct {
		Capacity int                       `koanf:"capacity"`
		Windows  map[string][]slots.Window `koanf:"windows"`
	} `koanf:"slots"`

	Clock struct {
		Timezone string `koanf:"timezone"`
	} `koanf:"clock"`

	Session struct {
		TTL           time.Duration `koanf:"ttl"`
		SweepInterval time.Duration `koanf:"sweep_interval"`
	} `koanf:"session"`

	Scheduler struct {
		Interval time.Duration `koanf:"interval"`
	} `koanf:"scheduler"`

	Auth struct {
		CookieHashKey  string `koanf:"cookie_hash_key"`
		CookieBlockKey string `koanf:"cookie_block_key"`
		// AdminUser and AdminPassword seed one admin at startup when set.
		AdminUser      string `koanf:"admin_user"`
		AdminPassword  string `koanf:"admin_password"`
	} `koanf:"auth"`

	Catalog struct {
		File string `koanf:"file"`
	} `koanf:"catalog"`
}

func Defaults() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.HTTP.ReadHeaderTimeout = 5 * time.Second
	c.HTTP.ShutdownTimeout = 5 * time.Second
	c.Idempotency.TTL = 24 * time.Hour
	c.RabbitMQ.Exchange = "knocktwice.events"
	c.Log.Level = "info"
	c.Booking.Cooldown = 30 * time.Minute
	c.Booking.MaxQuantity = 5
	c.Booking.FallbackDay = string(clock.Friday)
	c.Booking.RatingDelay = 30 * time.Minute
	c.Slots.Capacity = 4
	c.Clock.Timezone = "Europe/Madrid"
	c.Session.TTL = 6 * time.Hour
	c.Session.SweepInterval = 10 * time.Minute
	c.Scheduler.Interval = 30 * time.Second
	return c
}

// Load layers defaults, the optional YAML file at path and KNOCK_ env vars,
// nested with __ (KNOCK_BOOKING__ALWAYS_OPEN=true).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr required")
	}
	if c.Booking.Cooldown < 0 {
		return fmt.Errorf("booking.cooldown must be >= 0")
	}
	if c.Booking.MaxQuantity < 1 {
		return fmt.Errorf("booking.max_quantity must be >= 1")
	}
	if _, err := clock.ParseDay(c.Booking.FallbackDay); err != nil {
		return fmt.Errorf("booking.fallback_day: %w", err)
	}
	if c.Slots.Capacity < 1 {
		return fmt.Errorf("slots.capacity must be >= 1")
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("clock.timezone: %w", err)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Clock.Timezone)
}

func (c Config) FallbackDay() clock.Day {
	d, err := clock.ParseDay(c.Booking.FallbackDay)
	if err != nil {
		return clock.Friday
	}
	return d
}

// Schedule returns the configured service windows, or the house table when
// none are set.
func (c Config) Schedule() (slots.Schedule, error) {
	if len(c.Slots.Windows) == 0 {
		return slots.DefaultSchedule(), nil
	}
	raw := slots.Schedule{}
	for day, w := range c.Slots.Windows {
		raw[clock.Day(day)] = w
	}
	s, err := raw.Normalize()
	if err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// CookieKeys decodes the admin cookie keys. Each value is base64 or a path to
// a file holding base64, for secret mounts.
func (c Config) CookieKeys() (hash, block []byte, err error) {
	if c.Auth.CookieHashKey == "" || c.Auth.CookieBlockKey == "" {
		return nil, nil, fmt.Errorf("auth.cookie_hash_key and auth.cookie_block_key are required (base64, 32 and 16/24/32 bytes)")
	}
	if hash, err = decodeB64(c.Auth.CookieHashKey); err != nil {
		return nil, nil, fmt.Errorf("auth.cookie_hash_key: %w", err)
	}
	if block, err = decodeB64(c.Auth.CookieBlockKey); err != nil {
		return nil, nil, fmt.Errorf("auth.cookie_block_key: %w", err)
	}
	switch len(block) {
	case 16, 24, 32:
	default:
		return nil, nil, fmt.Errorf("auth.cookie_block_key: want 16, 24 or 32 bytes, got %d", len(block))
	}
	return hash, block, nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
