package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration for the given command mode. The policy
// thresholds are always checked; "serve" additionally requires a usable port
// and the postgres store driver requires a database URL.
func (c *Config) Validate(mode string) error {
	var problems []string

	s := c.Scoring
	if s.WarnThreshold < 0 || s.PassThreshold > 1 || s.WarnThreshold > s.PassThreshold {
		problems = append(problems, "scoring thresholds must satisfy 0 <= warn_threshold <= pass_threshold <= 1")
	}
	if s.PresenceWeight < 0 || s.PresenceWeight > 1 {
		problems = append(problems, "scoring.presence_weight must be within [0,1]")
	}
	if s.CurrencyTolerance < 0 || s.KWhTolerance < 0 {
		problems = append(problems, "scoring tolerances must not be negative")
	}

	r := c.Reconcile
	if r.VarianceWarn < 0 || r.VarianceWarn > r.VarianceHigh {
		problems = append(problems, "reconcile thresholds must satisfy 0 <= variance_warn <= variance_high")
	}

	if c.Extraction.MinCharsPerPage < 0 {
		problems = append(problems, "extraction.min_chars_per_page must not be negative")
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "memory", "":
	default:
		problems = append(problems, "store.driver must be one of memory, sqlite, postgres")
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, "server.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid %s configuration: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}
