package config

import (
	"fmt"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateAgent(); err != nil {
		return err
	}
	if err := v.validateExecutor(); err != nil {
		return err
	}
	if err := v.validateRateLimit(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, v.cfg.Server.Port))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	if v.cfg.LLM.DefaultModel == "" {
		return NewValidationError("llm", "default_model", ErrMissingRequiredField)
	}
	if v.cfg.LLM.ConnectTimeout <= 0 {
		return NewValidationError("llm", "connect_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.LLM.CallTimeout <= 0 {
		return NewValidationError("llm", "call_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.LLM.MaxConns < v.cfg.LLM.MaxIdleConns {
		return NewValidationError("llm", "max_conns",
			fmt.Errorf("%w: max_conns (%d) below max_idle_conns (%d)", ErrInvalidValue, v.cfg.LLM.MaxConns, v.cfg.LLM.MaxIdleConns))
	}
	if v.cfg.LLM.StreamBuffer < 1 {
		return NewValidationError("llm", "stream_buffer", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAgent() error {
	a := v.cfg.Agent
	if a.MaxIterations < 1 {
		return NewValidationError("agent", "max_iterations", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if a.EventBuffer < 1 {
		return NewValidationError("agent", "event_buffer", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateExecutor() error {
	e := v.cfg.Executor
	if e.SweepInterval <= 0 {
		return NewValidationError("executor", "sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.SweepStaleAfter <= v.cfg.Agent.TurnTimeout {
		return NewValidationError("executor", "sweep_stale_after",
			fmt.Errorf("%w: %s must exceed agent turn_timeout %s", ErrInvalidValue, e.SweepStaleAfter, v.cfg.Agent.TurnTimeout))
	}
	return nil
}

func (v *ConfigValidator) validateRateLimit() error {
	rl := v.cfg.RateLimit
	if rl.Requests < 1 {
		return NewValidationError("rate_limit", "requests", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if rl.Window <= 0 {
		return NewValidationError("rate_limit", "window", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
