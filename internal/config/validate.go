package config

import (
	"fmt"
	"strings"
)

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Package) == "" {
		return fmt.Errorf("package is required")
	}
	if strings.TrimSpace(c.Registry.Command) == "" {
		return fmt.Errorf("registry.command is required")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must be >= 0, got %d", c.Retention.Days)
	}
	if c.Retention.KeepCount < 0 {
		return fmt.Errorf("retention.keep_count must be >= 0, got %d", c.Retention.KeepCount)
	}
	if strings.TrimSpace(c.Retention.Message) == "" {
		return fmt.Errorf("retention.message is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Metrics.PushgatewayURL != "" && strings.TrimSpace(c.Metrics.Job) == "" {
		return fmt.Errorf("metrics.job is required when metrics.pushgateway_url is set")
	}

	for i, n := range c.Notifications {
		if strings.TrimSpace(n.Type) == "" {
			return fmt.Errorf("notifications[%d].type is required (webhook or email)", i)
		}
	}
	return nil
}
