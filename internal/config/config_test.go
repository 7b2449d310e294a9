package config

import (
	"testing"
	"time"
)

func TestLoadUsesEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRIAL_QUESTIONS_DEFAULT", "7")
	t.Setenv("PROMO_MONTHS", "3")
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("CORS_ALLOW_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PAID_PERIOD_DAYS", "not-a-number")

	cfg := Load()
	if cfg.TrialQuestionsDefault != 7 {
		t.Fatalf("expected trial default 7, got %d", cfg.TrialQuestionsDefault)
	}
	if cfg.PromoMonths != 3 {
		t.Fatalf("expected promo months 3, got %d", cfg.PromoMonths)
	}
	if !cfg.CookieSecure {
		t.Fatalf("expected secure cookies")
	}
	if len(cfg.CORSAllowOrigins) != 2 || cfg.CORSAllowOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowOrigins)
	}
	if cfg.PaidPeriodDays != 30 {
		t.Fatalf("expected invalid int to fall back to 30, got %d", cfg.PaidPeriodDays)
	}
	if cfg.DeviceCookieName != "turbotaai_device" {
		t.Fatalf("unexpected device cookie name %q", cfg.DeviceCookieName)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		AppEnv:           "local",
		JWTAlgorithm:     "HS256",
		PromoMonths:      12,
		PaidPeriodDays:   30,
		DeviceCookieName: "turbotaai_device",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }},
		{name: "default secret", mutate: func(c *Config) { c.JWTSecret = "change-me-in-production" }},
		{name: "negative trial", mutate: func(c *Config) { c.TrialQuestionsDefault = -1 }},
		{name: "zero promo months", mutate: func(c *Config) { c.PromoMonths = 0 }},
		{name: "zero paid days", mutate: func(c *Config) { c.PaidPeriodDays = 0 }},
		{name: "merchant without secret", mutate: func(c *Config) { c.WayForPayMerchant = "shop" }},
		{name: "production without db", mutate: func(c *Config) { c.AppEnv = "production" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := Config{DeviceCookieMaxAgeDays: 2, ReconcileLockTTLSeconds: 0}
	if cfg.DeviceCookieMaxAge() != 48*time.Hour {
		t.Fatalf("unexpected cookie max age %s", cfg.DeviceCookieMaxAge())
	}
	if cfg.ReconcileLockTTL() != 10*time.Second {
		t.Fatalf("unexpected lock ttl %s", cfg.ReconcileLockTTL())
	}
}
