package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// validAccess lists the access type names accepted by expose_join_link.
var validAccess = map[string]bool{
	"unknown": true, "public": true, "friends+": true, "friends": true,
	"invite+": true, "invite": true, "group-public": true, "group+": true,
	"group": true, "hidden": true, "private": true,
}

// InvalidValue is a single rejected setting.
type InvalidValue struct {
	Key    string
	Value  any
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Missing []string
	Invalid []InvalidValue
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.Missing) > 0 {
		sb.WriteString("\nMissing settings:\n")
		for _, k := range e.Missing {
			sb.WriteString(fmt.Sprintf("  - %s\n", k))
		}
	}

	if len(e.Invalid) > 0 {
		sb.WriteString("\nInvalid settings:\n")
		for _, iv := range e.Invalid {
			sb.WriteString(fmt.Sprintf("  - %s = %v (%s)\n", iv.Key, iv.Value, iv.Reason))
		}
	}

	return sb.String()
}

func (e *ValidationErrors) invalid(key string, value any, reason string) {
	e.Invalid = append(e.Invalid, InvalidValue{Key: key, Value: value, Reason: reason})
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.LogsPath == "" {
		errs.Missing = append(errs.Missing, "logs_path (the client's log directory or a log file)")
	}

	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		errs.invalid("address", c.Address, "must be host:port")
	}
	if c.Cache == "" {
		errs.Missing = append(errs.Missing, "cache")
	}

	if c.Server.Heartbeat <= 0 {
		errs.invalid("server.heartbeat", c.Server.Heartbeat, "must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs.invalid("server.shutdown_timeout", c.Server.ShutdownTimeout, "must be positive")
	}

	if c.Tail.PollInterval <= 0 {
		errs.invalid("tail.poll_interval", c.Tail.PollInterval, "must be positive")
	}
	if c.Tail.MaxLineBytes < 1024 {
		errs.invalid("tail.max_line_bytes", c.Tail.MaxLineBytes, "must be at least 1024")
	}
	if c.Tail.RescanInterval < 0 {
		errs.invalid("tail.rescan_interval", c.Tail.RescanInterval, "must not be negative")
	}

	for _, a := range c.Location.ExposeJoinLink {
		if !validAccess[a] {
			errs.invalid("location.expose_join_link", a, "unknown access type")
		}
	}

	if c.Broadcast.QueueSize < 1 {
		errs.invalid("broadcast.queue_size", c.Broadcast.QueueSize, "must be >= 1")
	}

	if c.ImageCache.RevalidateAfter < 0 {
		errs.invalid("image_cache.revalidate_after", c.ImageCache.RevalidateAfter, "must not be negative")
	}
	if c.ImageCache.MaxAge < 0 {
		errs.invalid("image_cache.max_age", c.ImageCache.MaxAge, "must not be negative")
	}
	if c.ImageCache.MaxAge > 0 && c.ImageCache.PruneInterval <= 0 {
		errs.invalid("image_cache.prune_interval", c.ImageCache.PruneInterval, "must be positive when max_age is set")
	}

	if c.API.Enabled {
		if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.invalid("api.base_url", c.API.BaseURL, "must be an http(s) URL")
		}
		if c.API.RatePerSecond <= 0 {
			errs.invalid("api.rate_per_second", c.API.RatePerSecond, "must be positive")
		}
		if c.API.RetryCount < 0 {
			errs.invalid("api.retry_count", c.API.RetryCount, "must not be negative")
		}
		if c.API.Timeout <= 0 {
			errs.invalid("api.timeout", c.API.Timeout, "must be positive")
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.invalid("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
