package config

import "strings"

// normalizeConfig normalizes configuration values.
func normalizeConfig(c *Config) {
	// Normalize log level to lowercase
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))

	// SQLSTATE codes are upper case on the wire
	codes := c.Retry.TransientCodes[:0]
	for _, code := range c.Retry.TransientCodes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			codes = append(codes, code)
		}
	}
	c.Retry.TransientCodes = codes

	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}
}
