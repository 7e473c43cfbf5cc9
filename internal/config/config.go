package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iamwavecut/tool"
	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN,required"`
		DefaultLanguage  string `env:"LANG,default=en"`
		LogLevel         int    `env:"LOG_LEVEL,default=4"`
		DotPath          string `env:"DOT_PATH,default=~/.shieldbot"`
		MetricsAddr      string `env:"METRICS_ADDR,default=:2112"`

		OwnerIDs  []int64 `env:"OWNER_IDS"`
		RulesPath string  `env:"RULES_PATH"`

		Protection Protection
		Captcha    Captcha
	}

	Protection struct {
		FloodWindowSeconds int `env:"FLOOD_WINDOW_SECONDS,default=60"`
		FloodMaxEvents     int `env:"FLOOD_MAX_EVENTS,default=5"`

		// Ordered score thresholds per action tier.
		TierWarn   float64 `env:"TIER_WARN,default=10"`
		TierDelete float64 `env:"TIER_DELETE,default=25"`
		TierMute   float64 `env:"TIER_MUTE,default=50"`
		TierBan    float64 `env:"TIER_BAN,default=80"`

		LinkWeight       float64 `env:"LINK_WEIGHT,default=8"`
		CapsWeight       float64 `env:"CAPS_WEIGHT,default=15"`
		DupWeight        float64 `env:"DUP_WEIGHT,default=20"`
		DisposableWeight float64 `env:"DISPOSABLE_WEIGHT,default=12"`

		CategoryWeights map[string]float64 `env:"CATEGORY_WEIGHTS"`

		DupLookback time.Duration `env:"DUP_LOOKBACK,default=10m"`
		DupMax      int           `env:"DUP_MAX,default=3"`

		WarnLimit            int  `env:"WARN_LIMIT,default=3"`
		TrustedOverridesMute bool `env:"TRUSTED_OVERRIDES_MUTE,default=true"`
	}

	Captcha struct {
		Kind           string        `env:"CAPTCHA_KIND,default=button"`
		TimeoutSeconds int           `env:"CAPTCHA_TIMEOUT_SECONDS,default=300"`
		MaxRetries     int           `env:"CAPTCHA_MAX_RETRIES,default=3"`
		SweepInterval  time.Duration `env:"CAPTCHA_SWEEP_INTERVAL,default=1m"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("SB_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		expanded, err := homedir.Expand(cfg.DotPath)
		if err != nil {
			globalErr = fmt.Errorf("expand dot path: %w", err)
			return
		}
		cfg.DotPath = expanded
		if err := cfg.Validate(); err != nil {
			globalErr = fmt.Errorf("validate config: %w", err)
			return
		}
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

// Validate rejects values the engine cannot run with. Invalid settings
// fail startup instead of silently falling back to defaults.
func (c *Config) Validate() error {
	var problems []string

	if c.Protection.FloodWindowSeconds <= 0 {
		problems = append(problems, "flood window must be positive")
	}
	if c.Protection.FloodMaxEvents <= 0 {
		problems = append(problems, "flood max events must be positive")
	}
	tiers := []float64{c.Protection.TierWarn, c.Protection.TierDelete, c.Protection.TierMute, c.Protection.TierBan}
	if tiers[0] <= 0 || !sort.Float64sAreSorted(tiers) {
		problems = append(problems, "tier thresholds must be positive and strictly increasing")
	} else {
		for i := 1; i < len(tiers); i++ {
			if tiers[i] == tiers[i-1] {
				problems = append(problems, "tier thresholds must be strictly increasing")
				break
			}
		}
	}
	if c.Protection.DupMax <= 0 {
		problems = append(problems, "duplicate message limit must be positive")
	}
	if c.Protection.DupLookback <= 0 {
		problems = append(problems, "duplicate lookback must be positive")
	}
	if c.Protection.WarnLimit <= 0 {
		problems = append(problems, "warn limit must be positive")
	}
	for category, weight := range c.Protection.CategoryWeights {
		if weight < 0 {
			problems = append(problems, fmt.Sprintf("category weight for %q must not be negative", category))
		}
	}

	if !tool.In(c.Captcha.Kind, "text", "math", "button", "voice") {
		problems = append(problems, fmt.Sprintf("unknown captcha kind %q", c.Captcha.Kind))
	}
	if c.Captcha.TimeoutSeconds <= 0 {
		problems = append(problems, "captcha timeout must be positive")
	}
	if c.Captcha.MaxRetries < 0 {
		problems = append(problems, "captcha max retries must not be negative")
	}
	if c.Captcha.SweepInterval <= 0 {
		problems = append(problems, "captcha sweep interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
