// Package config defines and validates the collector's configuration. It
// is loaded in cmd/collector following the teacher's viper-based pattern:
// defaults are registered first, an optional file overlay overrides them,
// environment variables (prefixed SUNSPEC_) take precedence over both, and
// the result is unmarshalled into a single immutable Config value and
// validated before the process does anything else with it.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Config is the fully resolved, validated configuration for one collector
// process.
type Config struct {
	LogLevel zapcore.Level

	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Modbus     ModbusConfig     `mapstructure:"modbus"`
	SunSpec    SunSpecConfig    `mapstructure:"sunspec"`
	Buffer     BufferConfig     `mapstructure:"buffer"`
	Uplink     UplinkConfig     `mapstructure:"uplink"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	ChannelCapacity uint `mapstructure:"channel_capacity"`
	Port            uint `mapstructure:"port"`
	HttpLog         bool `mapstructure:"http_log"`
}

// DiscoveryConfig configures how candidate devices are found: a static list
// or a subnet scan. A non-empty static list is used on its own and the
// subnet is then not scanned.
type DiscoveryConfig struct {
	Subnet           string   `mapstructure:"subnet"`
	Port             uint     `mapstructure:"port"`
	StaticDevices    []string `mapstructure:"static_devices"`
	UnitIDs          []uint   `mapstructure:"unit_ids"`
	ConcurrencyCap   uint     `mapstructure:"concurrency_cap"`
	PerHostTimeoutMs uint     `mapstructure:"per_host_timeout_ms"`
}

// PollingConfig configures a Device Actor's steady-state polling cadence.
type PollingConfig struct {
	PollIntervalMs   uint `mapstructure:"poll_interval_ms"`
	RequestTimeoutMs uint `mapstructure:"request_timeout_ms"`
	JitterMs         uint `mapstructure:"jitter_ms"`
	EmitTimeoutMs    uint `mapstructure:"emit_timeout_ms"`
}

// ModbusConfig configures the Modbus Client's transport and retry behavior.
type ModbusConfig struct {
	MaxBatchSize    uint `mapstructure:"max_batch_size"`
	ModbusTimeoutMs uint `mapstructure:"modbus_timeout_ms"`
	MaxRetries      uint `mapstructure:"max_retries"`
	BaseBackoffMs   uint `mapstructure:"base_backoff_ms"`
	MaxBackoffMs    uint `mapstructure:"max_backoff_ms"`
}

// SunSpecConfig configures the SunSpec model walk and the Model Registry.
type SunSpecConfig struct {
	BaseAddress       uint   `mapstructure:"base_address"`
	DiscoveryRegCount uint   `mapstructure:"discovery_reg_count"`
	ModelDir          string `mapstructure:"model_dir"`
}

// BufferConfig configures the durable store-and-forward buffer.
type BufferConfig struct {
	Path      string `mapstructure:"path"`
	BatchSize uint   `mapstructure:"batch_size"`
	DrainMs   uint   `mapstructure:"drain_ms"`
	HighWater uint   `mapstructure:"high_water"`
}

// UplinkConfig configures the Kafka uplink publisher.
type UplinkConfig struct {
	Brokers             []string `mapstructure:"brokers"`
	Topic               string   `mapstructure:"topic"`
	ClientID            string   `mapstructure:"client_id"`
	Acks                string   `mapstructure:"acks"`
	Compression         string   `mapstructure:"compression"`
	TimeoutMs           uint     `mapstructure:"timeout_ms"`
	Idempotence         bool     `mapstructure:"idempotence"`
	MaxPublishBackoffMs uint     `mapstructure:"max_publish_backoff_ms"`
}

// SupervisorConfig configures Device Actor restart policy and shutdown
// timing. RestartBackoffMs is accepted but not applied by the Supervisor: a
// failed Device Actor is restarted immediately.
type SupervisorConfig struct {
	RestartBackoffMs   uint `mapstructure:"restart_backoff_ms"`
	MaxRestartAttempts uint `mapstructure:"max_restart_attempts"`
	RestartWindowMs    uint `mapstructure:"restart_window_ms"`
	ShutdownGraceMs    uint `mapstructure:"shutdown_grace_ms"`
}

var topicRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateTopic checks a Kafka topic name against the allowed character
// set and length limit.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.New("uplink.topic must not be empty")
	}
	if len(topic) > 249 {
		return errors.New("uplink.topic must be at most 249 characters")
	}
	if !topicRegexp.MatchString(topic) {
		return errors.New("uplink.topic may only contain letters, numbers, '.', '_' and '-'")
	}
	return nil
}

// ValidateSubnet checks that a non-empty CIDR string has the shape of a
// CIDR. Kept here rather than in the discovery package so config validation
// stays self-contained and fails fast at startup.
func ValidateSubnet(subnet string) error {
	if subnet == "" {
		return nil // static_devices may be used instead
	}
	if len(strings.Split(subnet, "/")) != 2 {
		return fmt.Errorf("discovery.subnet %q is not a CIDR", subnet)
	}
	return nil
}

// Validate checks every bound spec.md and SPEC_FULL.md place on a config
// value, returning the first violation found. It mirrors the teacher's
// initConfig bounds-checking style: one explicit comparison per invariant,
// not a generic schema validator.
func (c *Config) Validate() error {
	if c.Discovery.Subnet == "" && len(c.Discovery.StaticDevices) == 0 {
		return errors.New("config: discovery.subnet or discovery.static_devices must be set")
	}
	if err := ValidateSubnet(c.Discovery.Subnet); err != nil {
		return err
	}
	if c.Discovery.ConcurrencyCap == 0 {
		return errors.New("config param discovery.concurrency_cap must be > 0")
	}
	if len(c.Discovery.UnitIDs) == 0 {
		return errors.New("config param discovery.unit_ids must be non-empty")
	}

	if c.Polling.PollIntervalMs == 0 {
		return errors.New("config param polling.poll_interval_ms must be > 0")
	}
	if c.Polling.RequestTimeoutMs == 0 {
		return errors.New("config param polling.request_timeout_ms must be > 0")
	}

	if c.Modbus.MaxBatchSize > 125 {
		return errors.New("config param modbus.max_batch_size must be <= 125 per the protocol maximum")
	}
	if c.Modbus.ModbusTimeoutMs == 0 {
		return errors.New("config param modbus.modbus_timeout_ms must be > 0")
	}
	if c.Modbus.MaxBackoffMs < c.Modbus.BaseBackoffMs {
		return errors.New("config param modbus.max_backoff_ms must be >= modbus.base_backoff_ms")
	}

	if c.SunSpec.DiscoveryRegCount == 0 {
		return errors.New("config param sunspec.discovery_reg_count must be > 0")
	}
	if c.SunSpec.ModelDir == "" {
		return errors.New("config param sunspec.model_dir must be set")
	}

	if c.Buffer.Path == "" {
		return errors.New("config param buffer.path must be set")
	}
	if c.Buffer.BatchSize == 0 {
		return errors.New("config param buffer.batch_size must be > 0")
	}
	if c.Buffer.HighWater != 0 && c.Buffer.HighWater < c.Buffer.BatchSize {
		return errors.New("config param buffer.high_water must be >= buffer.batch_size")
	}

	if len(c.Uplink.Brokers) == 0 {
		return errors.New("config param uplink.brokers must be non-empty")
	}
	if err := ValidateTopic(c.Uplink.Topic); err != nil {
		return err
	}
	if c.Uplink.Acks != "all" && c.Uplink.Acks != "leader" && c.Uplink.Acks != "none" {
		return fmt.Errorf("config param uplink.acks %q is not one of all, leader, none", c.Uplink.Acks)
	}

	if c.ChannelCapacity == 0 {
		return errors.New("config param channel_capacity must be > 0")
	}

	return nil
}
