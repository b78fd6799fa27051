package config

import (
	"net/url"
	"strings"
)

const redactedValue = "[redacted]"

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	out := c
	out.Database.URL = redactURL(c.Database.URL)
	out.Redis.URL = redactURL(c.Redis.URL)
	out.Providers.Primary.APIKey = mask(c.Providers.Primary.APIKey)
	out.Providers.Fallback.APIKey = mask(c.Providers.Fallback.APIKey)
	out.Identity.JWTSecret = mask(c.Identity.JWTSecret)
	out.Admin.TokenHash = mask(c.Admin.TokenHash)
	out.Alerts.SMTP.Password = mask(c.Alerts.SMTP.Password)
	out.Exports.S3.SecretAccessKey = mask(c.Exports.S3.SecretAccessKey)
	if len(c.Alerts.Webhooks) > 0 {
		out.Alerts.Webhooks = make([]string, len(c.Alerts.Webhooks))
		for i, hook := range c.Alerts.Webhooks {
			out.Alerts.Webhooks[i] = redactURL(hook)
		}
	}
	return out
}

func mask(v string) string {
	if strings.TrimSpace(v) == "" {
		return ""
	}
	return redactedValue
}

// redactURL drops the password and query string, which is where DSNs and
// webhook URLs carry credentials.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redactedValue
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
