package config

import (
	"strings"

	"go.uber.org/zap"
)

// ProductionWarnings lists settings that are unsafe or degrade detection
// when left at their development values.
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if strings.Contains(c.DatabaseURL, "loginrisk_secret") {
		warnings = append(warnings, "database_url uses the default development password")
	}
	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		warnings = append(warnings, "database_url disables TLS (sslmode=disable)")
	}
	if strings.HasPrefix(c.Risk.PublicBaseURL, "http://") {
		warnings = append(warnings, "risk.public_base_url is not https; verification links would travel in clear text")
	}
	if c.Risk.NotificationsEnabled && !c.SMTPConfigured() {
		warnings = append(warnings, "risk.notifications_enabled is set but smtp_host is empty; verification emails will not be delivered")
	}
	for _, p := range c.Risk.Providers {
		if strings.EqualFold(strings.TrimSpace(p), "ipinfo") && c.Risk.IPInfoToken == "" {
			warnings = append(warnings, "ipinfo provider has no token; anonymizer detection is unavailable and rate limits are low")
		}
	}
	if c.ElasticsearchURL == "" && c.AuditJournalPath == "" {
		warnings = append(warnings, "neither elasticsearch_url nor audit_journal_path is set; security events are only written to the audit log")
	} else if c.AuditHMACSecret == "" {
		warnings = append(warnings, "audit_hmac_secret is empty; stored security events are not tamper-evident")
	}

	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
