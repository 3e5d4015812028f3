package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// PricingDefaults are the fallback margin and minimum values used when the
// pricing_parameters table has no row for a key. They also seed the table.
type PricingDefaults struct {
	Margins         map[string]string `mapstructure:"margins"`
	Minimums        map[string]string `mapstructure:"minimums"`
	FallbackMargin  string            `mapstructure:"fallbackMargin"`
	FallbackMinimum string            `mapstructure:"fallbackMinimum"`
}

func DefaultPricingDefaults() PricingDefaults {
	return PricingDefaults{
		Margins: map[string]string{
			"call":                "3.0",
			"sms":                 "3.0",
			"verification_number": "3.0",
		},
		Minimums: map[string]string{
			"call":                "0.50",
			"sms":                 "0.10",
			"verification_number": "1.00",
		},
		FallbackMargin:  "3.0",
		FallbackMinimum: "1.00",
	}
}

// Lookup resolves a parameter key such as "margin.call" or "minimum.sms".
// The bool is false when the key is unknown and the fallback was used.
func (d PricingDefaults) Lookup(key string) (decimal.Decimal, bool) {
	group, name, _ := strings.Cut(strings.ToLower(strings.TrimSpace(key)), ".")
	switch group {
	case "margin":
		if raw, ok := d.Margins[name]; ok {
			if value, err := decimal.NewFromString(raw); err == nil {
				return value, true
			}
		}
		return mustDecimal(d.FallbackMargin, "3.0"), false
	default:
		if raw, ok := d.Minimums[name]; ok {
			if value, err := decimal.NewFromString(raw); err == nil {
				return value, true
			}
		}
		return mustDecimal(d.FallbackMinimum, "1.00"), false
	}
}

// Entries flattens the defaults to parameter keys.
func (d PricingDefaults) Entries() map[string]string {
	out := make(map[string]string, len(d.Margins)+len(d.Minimums))
	for name, value := range d.Margins {
		out["margin."+name] = value
	}
	for name, value := range d.Minimums {
		out["minimum."+name] = value
	}
	return out
}

func mustDecimal(raw, def string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.RequireFromString(def)
	}
	return value
}

type PricingDefaultsHolder struct {
	current atomic.Value // holds PricingDefaults
}

// NewStaticPricingDefaultsHolder returns a holder that never reloads.
func NewStaticPricingDefaultsHolder(defaults PricingDefaults) *PricingDefaultsHolder {
	holder := &PricingDefaultsHolder{}
	holder.current.Store(defaults)
	return holder
}

func NewPricingDefaultsHolder() (*PricingDefaultsHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/meterline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingDefaults()
	v.SetDefault("pricing.margins", defaults.Margins)
	v.SetDefault("pricing.minimums", defaults.Minimums)
	v.SetDefault("pricing.fallbackMargin", defaults.FallbackMargin)
	v.SetDefault("pricing.fallbackMinimum", defaults.FallbackMinimum)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg PricingDefaults
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingDefaults(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPricingDefaultsHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingDefaults
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingDefaults(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingDefaultsHolder) Get() PricingDefaults {
	if h == nil {
		return DefaultPricingDefaults()
	}
	return h.current.Load().(PricingDefaults)
}

func validatePricingDefaults(cfg PricingDefaults) error {
	if len(cfg.Margins) == 0 {
		return errors.New("pricing.margins cannot be empty")
	}
	for key, raw := range cfg.Entries() {
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("pricing %s: %w", key, err)
		}
		if value.IsNegative() {
			return fmt.Errorf("pricing %s cannot be negative", key)
		}
	}
	margin, err := decimal.NewFromString(strings.TrimSpace(cfg.FallbackMargin))
	if err != nil || !margin.IsPositive() {
		return errors.New("pricing.fallbackMargin must be a positive decimal")
	}
	minimum, err := decimal.NewFromString(strings.TrimSpace(cfg.FallbackMinimum))
	if err != nil || !minimum.IsPositive() {
		return errors.New("pricing.fallbackMinimum must be a positive decimal")
	}
	return nil
}
