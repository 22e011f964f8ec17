package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CostGuardConfig holds the spend ceilings for the layered cost breaker.
// Amounts are in USD.
type CostGuardConfig struct {
	DailyLimitUSD        float64
	HourlyLimitUSD       float64
	AccountDailyLimitUSD float64
}

// CostGuardHolder exposes the current ceilings and hot-reloads them when the
// config file changes, so limits can be raised during an incident without a
// restart.
type CostGuardHolder struct {
	current atomic.Value // holds CostGuardConfig
}

// NewCostGuardHolder loads the spend ceilings from costguard.yml or the
// environment. Every ceiling must be supplied explicitly: an absent or
// non-positive value fails startup the same way a missing webhook secret
// does, instead of silently running on a built-in limit.
func NewCostGuardHolder() (*CostGuardHolder, error) {
	return newCostGuardHolder("/var/lib/billingsync/config", "/etc/billingsync", ".")
}

func newCostGuardHolder(paths ...string) (*CostGuardHolder, error) {
	v := viper.New()

	v.SetConfigName("costguard")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("BILLINGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		"costguard.dailyLimitUsd",
		"costguard.hourlyLimitUsd",
		"costguard.accountDailyLimitUsd",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No file; the ceilings may still arrive via the environment,
		// and validation below rejects whatever is left unset.
		fileFound = false
	}

	cfg := readCostGuardConfig(v)
	if err := validateCostGuardConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CostGuardHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := readCostGuardConfig(v)
			if err := validateCostGuardConfig(updated); err != nil {
				log.Printf("[costguard-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[costguard-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func readCostGuardConfig(v *viper.Viper) CostGuardConfig {
	return CostGuardConfig{
		DailyLimitUSD:        v.GetFloat64("costguard.dailyLimitUsd"),
		HourlyLimitUSD:       v.GetFloat64("costguard.hourlyLimitUsd"),
		AccountDailyLimitUSD: v.GetFloat64("costguard.accountDailyLimitUsd"),
	}
}

func (h *CostGuardHolder) Get() CostGuardConfig {
	return h.current.Load().(CostGuardConfig)
}

// NewStaticCostGuardHolder returns a holder pinned to cfg, for tests.
func NewStaticCostGuardHolder(cfg CostGuardConfig) *CostGuardHolder {
	holder := &CostGuardHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateCostGuardConfig(cfg CostGuardConfig) error {
	if cfg.DailyLimitUSD <= 0 {
		return errors.New("costguard.dailyLimitUsd must be set to a positive amount")
	}
	if cfg.HourlyLimitUSD <= 0 {
		return errors.New("costguard.hourlyLimitUsd must be set to a positive amount")
	}
	if cfg.AccountDailyLimitUSD <= 0 {
		return errors.New("costguard.accountDailyLimitUsd must be set to a positive amount")
	}
	return nil
}
