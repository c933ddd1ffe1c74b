package config

import (
	"os"
	"strings"

	"github.com/atskms/core/internal/lease"
)

type Config struct {
	HTTPAddr string

	DBDriver string
	DBDSN    string

	CORSOrigins []string

	InstanceID   string
	Subject      string // VAPID "sub" claim, e.g. "mailto:admin@example.com"
	PlatformHash string

	DefaultQuotas lease.Quotas
}

func FromEnv() Config {
	addr := envOr("HTTP_ADDR", ":8443")
	return Config{
		HTTPAddr:     addr,
		DBDriver:     envOr("DB_DRIVER", "sqlite"),
		DBDSN:        envOr("DB_DSN", "./data/kms.db"),
		CORSOrigins:  csvOr("CORS_ORIGINS", "http://localhost:3000"),
		InstanceID:   envOr("INSTANCE_ID", "kmsd-dev"),
		Subject:      envOr("VAPID_SUBJECT", "mailto:admin@example.com"),
		PlatformHash: envOr("PLATFORM_HASH", ""),
		DefaultQuotas: lease.Quotas{
			TokensPerHour:        envInt("QUOTA_TOKENS_PER_HOUR", 120),
			SendsPerMinute:       envInt("QUOTA_SENDS_PER_MINUTE", 60),
			BurstSends:           envInt("QUOTA_BURST_SENDS", 100),
			SendsPerMinutePerEid: envInt("QUOTA_SENDS_PER_MINUTE_PER_EID", 30),
		},
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
