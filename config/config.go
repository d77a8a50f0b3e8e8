package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Meter      MeterConfig      `mapstructure:"meter"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Rates      []RateRule       `mapstructure:"rates"`
	Alerts     AlertConfig      `mapstructure:"alerts"`
	Webhooks   WebhookConfig    `mapstructure:"webhooks"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MeterConfig describes the meter provisioned at startup.
type MeterConfig struct {
	MeterID        string  `mapstructure:"meter_id"`
	Location       string  `mapstructure:"location"`
	CustomerName   string  `mapstructure:"customer_name"`
	CustomerID     string  `mapstructure:"customer_id"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

type SimulationConfig struct {
	RealtimeInterval   time.Duration `mapstructure:"realtime_interval"`
	HistoricalInterval time.Duration `mapstructure:"historical_interval"`
	BalanceInterval    time.Duration `mapstructure:"balance_interval"`

	Voltage     VoltageConfig     `mapstructure:"voltage"`
	Current     CurrentConfig     `mapstructure:"current"`
	PowerFactor PowerFactorConfig `mapstructure:"power_factor"`
	Frequency   FrequencyConfig   `mapstructure:"frequency"`

	// LoadPattern holds one load multiplier per hour of day, index 0 = midnight.
	LoadPattern []float64 `mapstructure:"load_pattern"`
}

type VoltageConfig struct {
	Nominal     float64 `mapstructure:"nominal"`
	Min         float64 `mapstructure:"min"`
	Max         float64 `mapstructure:"max"`
	Fluctuation float64 `mapstructure:"fluctuation"`
}

type CurrentConfig struct {
	Min  float64 `mapstructure:"min"`
	Max  float64 `mapstructure:"max"`
	Idle float64 `mapstructure:"idle"`
}

type PowerFactorConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type FrequencyConfig struct {
	Nominal float64 `mapstructure:"nominal"`
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
}

// RateRule is a time-of-day price band. Start and End are "HH:MM"; the
// interval is half-open [start, end), with End "00:00" meaning end of day.
type RateRule struct {
	Name  string  `mapstructure:"name"`
	Price float64 `mapstructure:"price"`
	Start string  `mapstructure:"start"`
	End   string  `mapstructure:"end"`
}

type AlertConfig struct {
	LowBalance      float64 `mapstructure:"low_balance"`
	CriticalBalance float64 `mapstructure:"critical_balance"`
	HighConsumption float64 `mapstructure:"high_consumption"`
	VoltageHigh     float64 `mapstructure:"voltage_high"`
	VoltageLow      float64 `mapstructure:"voltage_low"`
}

type WebhookConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// RetentionConfig controls age-based pruning, in days per table.
type RetentionConfig struct {
	RealtimeDays    int           `mapstructure:"realtime_days"`
	HistoricalDays  int           `mapstructure:"historical_days"`
	TransactionDays int           `mapstructure:"transaction_days"`
	AlertDays       int           `mapstructure:"alert_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/metersim")
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 3000)
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("database.path", "./metersim.db")

	viper.SetDefault("meter.meter_id", "METER_001")
	viper.SetDefault("meter.location", "Home - Living Room")
	viper.SetDefault("meter.customer_name", "Demo Customer")
	viper.SetDefault("meter.customer_id", "CUST_001")
	viper.SetDefault("meter.initial_balance", 100.0)

	viper.SetDefault("simulation.realtime_interval", "2s")
	viper.SetDefault("simulation.historical_interval", "30m")
	viper.SetDefault("simulation.balance_interval", "10s")

	// 220V nominal, ±10% hard band, small per-tick fluctuation
	viper.SetDefault("simulation.voltage.nominal", 220.0)
	viper.SetDefault("simulation.voltage.min", 198.0)
	viper.SetDefault("simulation.voltage.max", 242.0)
	viper.SetDefault("simulation.voltage.fluctuation", 2.0)

	viper.SetDefault("simulation.current.min", 0.5)
	viper.SetDefault("simulation.current.max", 20.0)
	viper.SetDefault("simulation.current.idle", 1.0)

	viper.SetDefault("simulation.power_factor.min", 0.8)
	viper.SetDefault("simulation.power_factor.max", 0.95)

	viper.SetDefault("simulation.frequency.nominal", 50.0)
	viper.SetDefault("simulation.frequency.min", 49.5)
	viper.SetDefault("simulation.frequency.max", 50.5)

	// Hourly load multipliers: low overnight, morning and evening peaks.
	viper.SetDefault("simulation.load_pattern", []float64{
		0.3, 0.2, 0.2, 0.2, 0.2, 0.3,
		0.7, 0.9, 1.0, 0.6, 0.5, 0.6,
		0.8, 0.7, 0.6, 0.6, 0.7, 0.8,
		1.0, 1.2, 1.1, 0.9, 0.7, 0.5,
	})

	viper.SetDefault("rates", []map[string]any{
		{"name": "Off-Peak", "price": 4.50, "start": "00:00", "end": "06:00"},
		{"name": "Normal", "price": 6.00, "start": "06:00", "end": "18:00"},
		{"name": "Peak", "price": 8.50, "start": "18:00", "end": "00:00"},
	})

	viper.SetDefault("alerts.low_balance", 20.0)
	viper.SetDefault("alerts.critical_balance", 5.0)
	viper.SetDefault("alerts.high_consumption", 5.0)
	viper.SetDefault("alerts.voltage_high", 240.0)
	viper.SetDefault("alerts.voltage_low", 200.0)

	viper.SetDefault("webhooks.timeout", "5s")
	viper.SetDefault("webhooks.retry_attempts", 3)
	viper.SetDefault("webhooks.retry_delay", "1s")

	viper.SetDefault("retention.realtime_days", 1)
	viper.SetDefault("retention.historical_days", 365)
	viper.SetDefault("retention.transaction_days", 365)
	viper.SetDefault("retention.alert_days", 30)
	viper.SetDefault("retention.cleanup_interval", "1h")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic_prefix", "metersim")
	viper.SetDefault("mqtt.client_id", "metersim")
}

func (c *Config) validate() error {
	if len(c.Simulation.LoadPattern) != 24 {
		return fmt.Errorf("simulation.load_pattern must have 24 entries, got %d", len(c.Simulation.LoadPattern))
	}
	if len(c.Rates) == 0 {
		return fmt.Errorf("at least one rate rule is required")
	}
	v := c.Simulation.Voltage
	if v.Min > v.Nominal || v.Max < v.Nominal {
		return fmt.Errorf("voltage nominal %.1f outside [%.1f, %.1f]", v.Nominal, v.Min, v.Max)
	}
	pf := c.Simulation.PowerFactor
	if pf.Min <= 0 || pf.Max > 1 || pf.Min > pf.Max {
		return fmt.Errorf("power factor band [%.2f, %.2f] invalid", pf.Min, pf.Max)
	}
	if c.Simulation.RealtimeInterval <= 0 || c.Simulation.HistoricalInterval <= 0 || c.Simulation.BalanceInterval <= 0 {
		return fmt.Errorf("simulation intervals must be positive")
	}
	if c.Webhooks.RetryAttempts < 0 {
		return fmt.Errorf("webhooks.retry_attempts must not be negative")
	}
	return nil
}
