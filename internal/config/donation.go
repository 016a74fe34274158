package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DonationConfig holds the hot-reloadable donation rules.
type DonationConfig struct {
	MinAmount int64    `mapstructure:"minAmount"`
	MaxAmount int64    `mapstructure:"maxAmount"`
	Programs  []string `mapstructure:"programs"`
	// Poll hints returned to clients; they never affect record state.
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
	MaxPollAttempts     int `mapstructure:"maxPollAttempts"`
}

func DefaultDonationConfig() DonationConfig {
	return DonationConfig{
		MinAmount: 10,
		MaxAmount: 150000,
		Programs: []string{
			"emergency-relief",
			"school-feeding",
			"sustainable-farming",
			"community-development",
			"general",
		},
		PollIntervalSeconds: 10,
		MaxPollAttempts:     30,
	}
}

// HasProgram reports whether the slug-normalized program is in the catalog.
func (c DonationConfig) HasProgram(program string) bool {
	normalized := slug.Make(strings.TrimSpace(program))
	if normalized == "" {
		return false
	}
	for _, p := range c.Programs {
		if slug.Make(p) == normalized {
			return true
		}
	}
	return false
}

type DonationConfigHolder struct {
	current atomic.Value // holds DonationConfig
}

// NewStaticDonationConfigHolder returns a holder that never reloads.
func NewStaticDonationConfigHolder(cfg DonationConfig) *DonationConfigHolder {
	holder := &DonationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewDonationConfigHolder(log *zap.Logger) (*DonationConfigHolder, error) {
	log = log.Named("config.donation")
	v := viper.New()

	v.SetConfigName("donation")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/hungerpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HUNGERPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultDonationConfig()
	v.SetDefault("donation.minAmount", defaults.MinAmount)
	v.SetDefault("donation.maxAmount", defaults.MaxAmount)
	v.SetDefault("donation.programs", defaults.Programs)
	v.SetDefault("donation.pollIntervalSeconds", defaults.PollIntervalSeconds)
	v.SetDefault("donation.maxPollAttempts", defaults.MaxPollAttempts)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var cfg DonationConfig
	if err := v.UnmarshalKey("donation", &cfg); err != nil {
		return nil, err
	}
	if err := validateDonationConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticDonationConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DonationConfig
		if err := v.UnmarshalKey("donation", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateDonationConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *DonationConfigHolder) Get() DonationConfig {
	if h == nil {
		return DefaultDonationConfig()
	}
	cfg, ok := h.current.Load().(DonationConfig)
	if !ok {
		return DefaultDonationConfig()
	}
	return cfg
}

func validateDonationConfig(cfg DonationConfig) error {
	if cfg.MinAmount <= 0 {
		return errors.New("donation.minAmount must be positive")
	}
	if cfg.MaxAmount < cfg.MinAmount {
		return fmt.Errorf("donation.maxAmount %d below minAmount %d", cfg.MaxAmount, cfg.MinAmount)
	}
	if len(cfg.Programs) == 0 {
		return errors.New("donation.programs cannot be empty")
	}
	return nil
}
