package config

import (
	"fmt"
	"net"
	"strings"

	"sensei/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match domain.ErrConfigLoad.
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateRouter(cfg, ve)
	validateDispatcher(cfg, ve)
	validateMCP(cfg, ve)
	validateTools(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validProviderTypes = map[string]bool{
	"gemini": true,
	"ollama": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is not supported (want gemini or ollama)", i, p.Type)
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d].model must not be empty", i)
		}
		if p.Type == "ollama" && p.BaseURL == "" {
			ve.Add("llm.providers[%d].base_url is required for ollama", i)
		}
	}
	if cfg.LLM.EmbeddingCacheSize < 0 {
		ve.Add("llm.embedding_cache_size must not be negative")
	}
	if cfg.LLM.Primary == "" {
		ve.Add("llm.primary must not be empty")
	} else if !seen[cfg.LLM.Primary] {
		ve.Add("llm.primary %q does not name a configured provider", cfg.LLM.Primary)
	}
	if cfg.LLM.Fallback != "" {
		if !seen[cfg.LLM.Fallback] {
			ve.Add("llm.fallback %q does not name a configured provider", cfg.LLM.Fallback)
		}
		if cfg.LLM.Fallback == cfg.LLM.Primary {
			ve.Add("llm.fallback must differ from llm.primary")
		}
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
	if rl := cfg.LLM.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		ve.Add("llm.rate_limit requires requests_per_second > 0 and burst > 0 when enabled")
	}
}

func validateRouter(cfg *Config, ve *ValidationError) {
	r := cfg.Router
	if r.CacheThreshold <= 0 {
		ve.Add("router.cache_threshold must be > 0")
	}
	if r.CorrectionThreshold <= 0 {
		ve.Add("router.correction_threshold must be > 0")
	}
	if r.CorrectionThreshold > r.CacheThreshold {
		ve.Add("router.correction_threshold must not exceed router.cache_threshold")
	}
}

func validateDispatcher(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatcher
	if d.MaxDepth < 1 {
		ve.Add("dispatcher.max_depth must be >= 1")
	}
	if d.HandlerTimeout <= 0 {
		ve.Add("dispatcher.handler_timeout must be > 0")
	}
	if strings.TrimSpace(d.DefaultCategory) == "" {
		ve.Add("dispatcher.default_category must not be empty")
	}
}

func validateMCP(cfg *Config, ve *ValidationError) {
	if cfg.MCP.CallTimeout <= 0 {
		ve.Add("mcp.call_timeout must be > 0")
	}
	if cfg.MCP.Watch && cfg.MCP.PollInterval <= 0 {
		ve.Add("mcp.poll_interval must be > 0 when watch is enabled")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.CallsPerMinute < 0 {
		ve.Add("tools.calls_per_minute must not be negative")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if path, ok := strings.CutPrefix(cfg.Gateway.Addr, "unix://"); ok {
		if path == "" {
			ve.Add("gateway.addr %q names no socket path", cfg.Gateway.Addr)
		}
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", cfg.Gateway.Addr, err)
	}
	if cfg.Gateway.RequestsPerMin < 0 || cfg.Gateway.BurstSize < 0 {
		ve.Add("gateway rate limits must not be negative")
	}
}

var validLogFormats = map[string]bool{"": true, "text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is not supported (want text or json)", cfg.Logger.Format)
	}
}
