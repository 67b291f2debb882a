package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-showflakes/internal/process"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem.
func Validate(cfg *Config) error {
	var errs []error

	nonNegative := []struct {
		field string
		value int
	}{
		{"max_runs", cfg.MaxRuns},
		{"max_fail", cfg.MaxFail},
		{"max_time", cfg.MaxTime},
		{"n_extra", cfg.NExtra},
	}
	for _, nn := range nonNegative {
		if nn.value < 0 {
			errs = append(errs, ValidationError{
				Field:   nn.field,
				Message: fmt.Sprintf("must not be negative (got %d)", nn.value),
			})
		}
	}

	if _, err := process.ParseKillPolicy(cfg.KillPolicy); err != nil {
		errs = append(errs, ValidationError{
			Field:   "kill_policy",
			Message: err.Error(),
		})
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: "must be positive",
		})
	}

	if strings.TrimSpace(cfg.GoBinary) == "" {
		errs = append(errs, ValidationError{
			Field:   "go_binary",
			Message: "must not be empty",
		})
	}

	if len(cfg.Packages) == 0 {
		errs = append(errs, ValidationError{
			Field:   "packages",
			Message: "at least one package pattern is required",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be one of: debug, info, warn, error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.RecordFile != "" && cfg.RecordFile == cfg.SelectionFile {
		errs = append(errs, ValidationError{
			Field:   "record_file",
			Message: "must differ from selection_file (it is removed at session start)",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
