package config

import (
	"errors"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Settings are the hot-reloadable knobs read from adminis.yml.
type Settings struct {
	Aliases         []AliasRule   `mapstructure:"aliases"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
}

// AliasRule folds raw upstream spellings of a charge category into Label.
// Kept as a list because viper lower-cases map keys.
type AliasRule struct {
	Label    string   `mapstructure:"label"`
	Variants []string `mapstructure:"variants"`
}

func DefaultSettings() Settings {
	return Settings{}
}

type SettingsHolder struct {
	current atomic.Value // holds Settings
}

// NewSettingsHolder reads adminis.yml when present and watches it for changes.
// A missing file yields the defaults.
func NewSettingsHolder(cfg Config, log *zap.Logger) (*SettingsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("settings")

	v := viper.New()
	if cfg.Sync.SettingsPath != "" {
		v.SetConfigFile(cfg.Sync.SettingsPath)
	} else {
		v.SetConfigName("adminis")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/adminis-sync")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ADMINIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &SettingsHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Debug("settings file not found, using defaults")
		holder.current.Store(DefaultSettings())
		return holder, nil
	}

	settings, err := decodeSettings(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(settings)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSettings(v)
		if err != nil {
			log.Warn("settings.reload.failed", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("settings.reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticSettings returns a holder that never reloads.
func NewStaticSettings(settings Settings) *SettingsHolder {
	holder := &SettingsHolder{}
	holder.current.Store(settings)
	return holder
}

func (h *SettingsHolder) Get() Settings {
	if h == nil {
		return DefaultSettings()
	}
	settings, ok := h.current.Load().(Settings)
	if !ok {
		return DefaultSettings()
	}
	return settings
}

func decodeSettings(v *viper.Viper) (Settings, error) {
	settings := DefaultSettings()
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, err
	}
	if err := validateSettings(settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func validateSettings(s Settings) error {
	if s.RefreshInterval < 0 {
		return errors.New("refreshInterval cannot be negative")
	}
	if s.RefreshInterval > 0 && s.RefreshInterval < time.Minute {
		return errors.New("refreshInterval must be at least 1m")
	}
	for _, rule := range s.Aliases {
		if strings.TrimSpace(rule.Label) == "" {
			return errors.New("aliases cannot contain an empty label")
		}
	}
	return nil
}
