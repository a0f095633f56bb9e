// Copyright 2025 Navtrace Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the per-binary YAML service configs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/navtrace/navtrace/internal/secret"
)

type defaulter interface {
	SetDefaults()
}

// Load reads a YAML config file into cfg, applies defaults, and validates.
func Load(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config %q is not valid YAML: %w", path, err)
	}
	if d, ok := cfg.(defaulter); ok {
		d.SetDefaults()
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config %q is not valid: %w", path, err)
	}
	return nil
}

// Database covers the shared Postgres connection settings.
type Database struct {
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"required"`
	Name           string        `yaml:"name" validate:"required"`
	User           string        `yaml:"user" validate:"required"`
	Password       secret.String `yaml:"password"`
	SSLMode        string        `yaml:"ssl_mode"`
	PoolSize       int           `yaml:"pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (d *Database) SetDefaults() {
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.PoolSize == 0 {
		d.PoolSize = 10
	}
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = 30 * time.Second
	}
}

// ConnString renders a pgx-compatible DSN.
func (d *Database) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.Name, d.User, d.Password.SecretValue(), d.SSLMode,
		int(d.ConnectTimeout.Seconds()),
	)
}

// Broker covers the RabbitMQ connection settings. The URL is not validated
// here because the camera poller runs without a broker in standalone mode;
// dialing an empty URL fails loudly enough.
type Broker struct {
	URL            secret.String `yaml:"url"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	Prefetch       int           `yaml:"prefetch"`
}

func (b *Broker) SetDefaults() {
	if b.ConfirmTimeout == 0 {
		b.ConfirmTimeout = 5 * time.Second
	}
	if b.Prefetch == 0 {
		b.Prefetch = 50
	}
}

// Consumer is the C1 service config.
type Consumer struct {
	LogFile  string   `yaml:"log_file"`
	Database Database `yaml:"database"`
	Broker   Broker   `yaml:"broker"`

	Queues        []string      `yaml:"queues" validate:"required,min=1,dive,oneof=trackdata_queue alarms_queue events_queue"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	DedupL1Size   int           `yaml:"dedup_l1_size"`
	DedupL1TTL    time.Duration `yaml:"dedup_l1_ttl"`
	PendingLimit  int           `yaml:"pending_limit"`
	PendingChunk  int           `yaml:"pending_chunk"`
}

func (c *Consumer) SetDefaults() {
	c.Database.SetDefaults()
	c.Broker.SetDefaults()
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 200
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DedupL1Size == 0 {
		c.DedupL1Size = 50000
	}
	if c.DedupL1TTL == 0 {
		c.DedupL1TTL = time.Hour
	}
	if c.PendingLimit == 0 {
		c.PendingLimit = 1000
	}
	if c.PendingChunk == 0 {
		c.PendingChunk = 100
	}
}

// Engine is the C2 service config.
type Engine struct {
	LogFile  string   `yaml:"log_file"`
	Database Database `yaml:"database"`
	Broker   Broker   `yaml:"broker"`

	Workers       int           `yaml:"workers"`
	ShadowMode    bool          `yaml:"shadow_mode"`
	ConfigTTL     time.Duration `yaml:"config_ttl"`
	PendingLimit  int           `yaml:"pending_limit"`
	MaxRetries    int           `yaml:"max_retries"`
	RecalcEnabled bool          `yaml:"recalc_enabled"`

	RecalcDebounce    time.Duration `yaml:"recalc_debounce"`
	RecalcPollEvery   time.Duration `yaml:"recalc_poll_every"`
	RecalcDefaultDays int           `yaml:"recalc_default_days"`
	MaintenanceEvery  time.Duration `yaml:"maintenance_every"`
}

func (c *Engine) SetDefaults() {
	c.Database.SetDefaults()
	c.Broker.SetDefaults()
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.ConfigTTL == 0 {
		c.ConfigTTL = 5 * time.Minute
	}
	if c.PendingLimit == 0 {
		c.PendingLimit = 1000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RecalcDebounce == 0 {
		c.RecalcDebounce = 5 * time.Second
	}
	if c.RecalcPollEvery == 0 {
		c.RecalcPollEvery = 10 * time.Second
	}
	if c.RecalcDefaultDays == 0 {
		c.RecalcDefaultDays = 30
	}
	if c.MaintenanceEvery == 0 {
		c.MaintenanceEvery = 24 * time.Hour
	}
}

// Camera is the C3 service config.
type Camera struct {
	LogFile  string   `yaml:"log_file"`
	Database Database `yaml:"database"`
	Broker   Broker   `yaml:"broker"`

	Standalone bool   `yaml:"standalone"`
	CSVDir     string `yaml:"csv_dir"`

	StatusInterval   time.Duration `yaml:"status_interval"`
	AlarmInterval    time.Duration `yaml:"alarm_interval"`
	RealtimeInterval time.Duration `yaml:"realtime_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	AlarmLookback    time.Duration `yaml:"alarm_lookback"`

	BackfillDays        int           `yaml:"backfill_days"`
	BackfillChunkSize   int           `yaml:"backfill_chunk_size"`
	BackfillChunkPause  time.Duration `yaml:"backfill_chunk_pause"`
	MaxConcurrentCalls  int           `yaml:"max_concurrent_calls"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	AlarmDedupTTL       time.Duration `yaml:"alarm_dedup_ttl"`
	TrackDedupTTL       time.Duration `yaml:"track_dedup_ttl"`
	DedupMaxSize        int           `yaml:"dedup_max_size"`
	AllowedAlarmTypes   []string      `yaml:"allowed_alarm_types"`
	BreakerFailures     uint32        `yaml:"breaker_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

func (c *Camera) SetDefaults() {
	c.Database.SetDefaults()
	c.Broker.SetDefaults()
	if c.StatusInterval == 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.AlarmInterval == 0 {
		c.AlarmInterval = 60 * time.Second
	}
	if c.RealtimeInterval == 0 {
		c.RealtimeInterval = 10 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 300 * time.Second
	}
	if c.AlarmLookback == 0 {
		c.AlarmLookback = 120 * time.Minute
	}
	if c.BackfillDays == 0 {
		c.BackfillDays = 7
	}
	if c.BackfillChunkSize == 0 {
		c.BackfillChunkSize = 5
	}
	if c.BackfillChunkPause == 0 {
		c.BackfillChunkPause = 2 * time.Second
	}
	if c.MaxConcurrentCalls == 0 {
		c.MaxConcurrentCalls = 10
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.AlarmDedupTTL == 0 {
		c.AlarmDedupTTL = 4 * time.Hour
	}
	if c.TrackDedupTTL == 0 {
		c.TrackDedupTTL = 8 * time.Hour
	}
	if c.DedupMaxSize == 0 {
		c.DedupMaxSize = 100000
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerResetTimeout == 0 {
		c.BreakerResetTimeout = 60 * time.Second
	}
}

// SMSGateway is the C4 service config.
type SMSGateway struct {
	LogFile  string   `yaml:"log_file"`
	Database Database `yaml:"database"`

	ListenAddr string `yaml:"listen_addr"`

	PollInterval        time.Duration `yaml:"poll_interval"`
	InboxEveryNCycles   int           `yaml:"inbox_every_n_cycles"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	OutboxBatch         int           `yaml:"outbox_batch"`
	MaxRetries          int           `yaml:"max_retries"`
	OutboxTimeout       time.Duration `yaml:"outbox_timeout"`
	ReplyTimeout        time.Duration `yaml:"reply_timeout"`
	ModemHTTPTimeout    time.Duration `yaml:"modem_http_timeout"`
	EncryptionKey       secret.String `yaml:"encryption_key"`
	EncryptionKeyFromEnv bool         `yaml:"-"`
}

func (c *SMSGateway) SetDefaults() {
	c.Database.SetDefaults()
	if c.ListenAddr == "" {
		c.ListenAddr = ":9464"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.InboxEveryNCycles == 0 {
		c.InboxEveryNCycles = 2
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.OutboxBatch == 0 {
		c.OutboxBatch = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.OutboxTimeout == 0 {
		c.OutboxTimeout = time.Minute
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 2 * time.Minute
	}
	if c.ModemHTTPTimeout == 0 {
		c.ModemHTTPTimeout = 30 * time.Second
	}
	// The encryption key normally arrives through the environment so it never
	// lands in a config file on disk. The built-in default keeps legacy
	// deployments whose modem passwords were encrypted before keys existed.
	if env := os.Getenv("NAVTRACE_ENCRYPTION_KEY"); env != "" {
		c.EncryptionKey = secret.String(env)
		c.EncryptionKeyFromEnv = true
	} else if c.EncryptionKey == "" {
		c.EncryptionKey = "navtrace"
	}
}
