package config

import (
	"errors"
	"fmt"
	"time"

	device_config "github.com/ValerySidorin/hubdevice/config"
	"github.com/ValerySidorin/hubdevice/internal/observability"
)

// Config is the simulator's configuration file.
type Config struct {
	Log           LogConfig            `yaml:"log"`
	Device        device_config.Config `yaml:"device"`
	Simulator     SimulatorConfig      `yaml:"simulator"`
	Observability observability.Config `yaml:"observability"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

type SimulatorConfig struct {
	SendInterval   time.Duration `yaml:"send_interval"`
	BatchSize      int           `yaml:"batch_size"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	// Methods lists the method names the simulator answers with an echo.
	Methods []string `yaml:"methods"`
	// UploadPath, when set, is uploaded as a blob at start.
	UploadPath string `yaml:"upload_path"`
}

func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}

	if c.Log.Type != "json" && c.Log.Type != "text" {
		c.Log.Type = "text"
	}

	if c.Simulator.SendInterval == 0 {
		c.Simulator.SendInterval = 10 * time.Second
	}

	if c.Simulator.BatchSize == 0 {
		c.Simulator.BatchSize = 1
	}

	if c.Simulator.ReceiveTimeout == 0 {
		c.Simulator.ReceiveTimeout = 5 * time.Second
	}

	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Addr == "" {
		c.Observability.Metrics.Addr = ":9090"
	}

	if c.Observability.Tracing.Resource.ServiceName == "" {
		c.Observability.Tracing.Resource.ServiceName = "hubdevice"
	}

	c.Device.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if c.Simulator.BatchSize < 1 {
		return errors.New("simulator: batch size must be positive")
	}
	if c.Simulator.SendInterval < 0 || c.Simulator.ReceiveTimeout < 0 {
		return errors.New("simulator: intervals must not be negative")
	}
	return nil
}
