// Package worker wires a Config's settings into a Context that
// owns the pool directory and hands out Jobs against a real web UI and
// engine adapter.
package worker

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the worker instance's settings object, decoded with
// github.com/spf13/viper/mapstructure the same way the teacher decodes its
// one config knob in internal/service/config.go's ParseConfig.
type Config struct {
	WebUIURL       string        `mapstructure:"web_ui_url"`
	PoolDirectory  string        `mapstructure:"pool_directory"`
	InstanceNumber int           `mapstructure:"instance_number"`
	WorkerHostname string        `mapstructure:"worker_hostname"`
	Backend        string        `mapstructure:"backend"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	WatchdogDelay  time.Duration `mapstructure:"watchdog_delay"`
	Verbose        bool          `mapstructure:"verbose"`
}

// ParseConfig decodes the worker settings nested under key, mirroring the
// teacher's service.ParseConfig.
func ParseConfig(key string) (Config, error) {
	var cfg Config
	err := viper.UnmarshalKey(key, &cfg)
	return cfg, err
}

// DefaultConfig returns the settings a freshly installed worker starts with
// before any config file exists.
func DefaultConfig() Config {
	return Config{
		WebUIURL:       "http://localhost",
		PoolDirectory:  "pool/1",
		InstanceNumber: 1,
		Backend:        "qemu",
		PollInterval:   1 * time.Second,
		WatchdogDelay:  15 * time.Second,
	}
}
