package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		TelegramAPIToken: "token",
		Protection: Protection{
			FloodWindowSeconds: 60,
			FloodMaxEvents:     5,
			TierWarn:           10,
			TierDelete:         25,
			TierMute:           50,
			TierBan:            80,
			DupLookback:        10 * time.Minute,
			DupMax:             3,
			WarnLimit:          3,
		},
		Captcha: Captcha{
			Kind:           "button",
			TimeoutSeconds: 300,
			MaxRetries:     3,
			SweepInterval:  time.Minute,
		},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	for name, tc := range map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"unordered tiers": {
			mutate: func(c *Config) { c.Protection.TierDelete = 5 },
			want:   "strictly increasing",
		},
		"equal tiers": {
			mutate: func(c *Config) { c.Protection.TierMute = c.Protection.TierDelete },
			want:   "strictly increasing",
		},
		"zero flood window": {
			mutate: func(c *Config) { c.Protection.FloodWindowSeconds = 0 },
			want:   "flood window",
		},
		"unknown captcha kind": {
			mutate: func(c *Config) { c.Captcha.Kind = "riddle" },
			want:   "captcha kind",
		},
		"negative category weight": {
			mutate: func(c *Config) { c.Protection.CategoryWeights = map[string]float64{"scam": -1} },
			want:   "category weight",
		},
		"zero warn limit": {
			mutate: func(c *Config) { c.Protection.WarnLimit = 0 },
			want:   "warn limit",
		},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should mention %q", err, tc.want)
			}
		})
	}
}
