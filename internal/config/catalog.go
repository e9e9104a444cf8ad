package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierDefault is an operator override for one baked-in tier.
// Quota keys are matched case-insensitively because viper lowercases map keys.
type TierDefault struct {
	ID            string         `mapstructure:"id"`
	DisplayName   string         `mapstructure:"display_name"`
	BillingPeriod string         `mapstructure:"billing_period"`
	Quotas        map[string]int `mapstructure:"quotas"`
}

// CatalogDefaultsHolder keeps the operator overrides for the baked-in catalog and
// reloads them when the file changes.
type CatalogDefaultsHolder struct {
	current atomic.Value // holds []TierDefault

	mu        sync.Mutex
	listeners []func([]TierDefault)
}

// NewCatalogDefaultsHolder loads catalog.yml from CATALOG_DEFAULTS_FILE or the standard
// config paths. A missing file is not an error: the compiled-in defaults apply.
func NewCatalogDefaultsHolder(cfg Config, log *zap.Logger) (*CatalogDefaultsHolder, error) {
	v := viper.New()

	if file := strings.TrimSpace(cfg.Catalog.DefaultsFile); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/entitlements")
		v.AddConfigPath(".")
	}

	holder := &CatalogDefaultsHolder{}
	holder.current.Store([]TierDefault(nil))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return holder, nil
		}
		if cfg.Catalog.DefaultsFile == "" {
			return nil, err
		}
		return nil, fmt.Errorf("read catalog defaults %s: %w", cfg.Catalog.DefaultsFile, err)
	}

	tiers, err := decodeTierDefaults(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(tiers)

	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.catalog")

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTierDefaults(v)
		if err != nil {
			log.Warn("catalog defaults reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog defaults reloaded", zap.String("file", e.Name), zap.Int("tiers", len(updated)))
		holder.notify(updated)
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticCatalogDefaults returns a holder with fixed overrides; used by tests and tools.
func NewStaticCatalogDefaults(tiers []TierDefault) *CatalogDefaultsHolder {
	holder := &CatalogDefaultsHolder{}
	holder.current.Store(tiers)
	return holder
}

// Get returns the current overrides. Nil means "compiled-in defaults only".
func (h *CatalogDefaultsHolder) Get() []TierDefault {
	if h == nil {
		return nil
	}
	tiers, _ := h.current.Load().([]TierDefault)
	return tiers
}

// OnChange registers fn to run after every successful reload.
func (h *CatalogDefaultsHolder) OnChange(fn func([]TierDefault)) {
	if h == nil || fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *CatalogDefaultsHolder) notify(tiers []TierDefault) {
	h.mu.Lock()
	listeners := append([]func([]TierDefault){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(tiers)
	}
}

func decodeTierDefaults(v *viper.Viper) ([]TierDefault, error) {
	var tiers []TierDefault
	if err := v.UnmarshalKey("catalog.tiers", &tiers); err != nil {
		return nil, err
	}
	if err := validateTierDefaults(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

func validateTierDefaults(tiers []TierDefault) error {
	seen := make(map[string]struct{}, len(tiers))
	for _, tier := range tiers {
		id := strings.TrimSpace(tier.ID)
		if id == "" {
			return errors.New("catalog.tiers[].id cannot be empty")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("catalog.tiers: duplicate id %q", id)
		}
		seen[id] = struct{}{}
		for action, quota := range tier.Quotas {
			if quota < -1 {
				return fmt.Errorf("catalog.tiers[%s].quotas.%s must be >= -1", id, action)
			}
		}
	}
	return nil
}
