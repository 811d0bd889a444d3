package app

import (
	"errors"
	"strings"

	"github.com/spf13/pflag"

	"emissionguard/internal/config"
)

type Options struct {
	ConfigPath string
	LogLevel   string
	Profile    string
	Vehicles   []string
}

func NewOptions() *Options {
	return &Options{}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c", "", "Path to a YAML or JSON config file. Defaults are used when empty.")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level (debug, info, warn, error). Overrides log_level from the config file.")
	fs.StringVar(&o.Profile, "profile", "", "Threshold profile when no config file is given (device or simple).")
	fs.StringArrayVar(&o.Vehicles, "vehicle", nil, "Vehicle id to monitor at startup. May be repeated.")
}

func (o *Options) Validate() error {
	if o.ConfigPath != "" && o.Profile != "" {
		return errors.New("--profile only applies without --config; set profile in the config file instead")
	}
	switch strings.ToLower(o.Profile) {
	case "", config.ProfileDevice, config.ProfileSimple:
	default:
		return errors.New("--profile must be device or simple")
	}
	return nil
}

// Manager loads the config file, or serves profile defaults without one.
func (o *Options) Manager() (*config.Manager, error) {
	if o.ConfigPath == "" {
		return config.NewStaticManager(config.DefaultConfigFor(o.Profile)), nil
	}
	return config.NewManager(config.ResolvePath(o.ConfigPath))
}

// StartupVehicles merges config and flag vehicles, keeping first-seen order.
func (o *Options) StartupVehicles(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(cfg.Vehicles)+len(o.Vehicles))
	for _, list := range [][]string{cfg.Vehicles, o.Vehicles} {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
