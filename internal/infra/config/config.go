package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"sensei/internal/domain"
)

// Config is the top-level sensei configuration.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Router     RouterConfig     `yaml:"router"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Memory     MemoryConfig     `yaml:"memory"`
	MCP        MCPConfig        `yaml:"mcp"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Tools      ToolsConfig      `yaml:"tools"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// LLMConfig holds model backend settings. Primary serves generation and
// embeddings; Fallback, when set, takes over generation on primary failure.
type LLMConfig struct {
	Primary        string               `yaml:"primary"`
	Fallback       string               `yaml:"fallback,omitempty"`
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`

	// EmbeddingCacheSize keeps that many recent embeddings in memory; 0
	// disables the cache.
	EmbeddingCacheSize int `yaml:"embedding_cache_size"`
}

// CircuitBreakerConfig holds circuit breaker settings for model backends.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig caps outbound model requests per second.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ProviderConfig holds settings for a single model backend.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type"` // "gemini" or "ollama"
	BaseURL        string        `yaml:"base_url,omitempty"`
	APIKey         string        `yaml:"api_key,omitempty"`
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model,omitempty"`
	Temperature    float32       `yaml:"temperature"`
	RespTimeout    time.Duration `yaml:"resp_timeout"`
}

// RouterConfig holds classification settings.
type RouterConfig struct {
	FastPath       bool    `yaml:"fast_path"`
	Cache          bool    `yaml:"cache"`
	CacheThreshold float32 `yaml:"cache_threshold"`
	// CorrectionThreshold is stricter than CacheThreshold so a correction
	// only rewrites an entry for essentially the same query.
	CorrectionThreshold float32 `yaml:"correction_threshold"`
}

// DispatcherConfig holds delegation settings.
type DispatcherConfig struct {
	MaxDepth         int           `yaml:"max_depth"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
	DefaultCategory  string        `yaml:"default_category"`
	StrictDelegation bool          `yaml:"strict_delegation"`
}

// MemoryConfig holds the route cache and knowledge store settings.
type MemoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	RAGTopK      int    `yaml:"rag_top_k"`
}

// MCPConfig locates the tool-provider settings file and tunes reconciliation.
type MCPConfig struct {
	SettingsPath string        `yaml:"settings_path"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Watch        bool          `yaml:"watch"`
}

// PromptsConfig locates the per-category prompt file.
type PromptsConfig struct {
	Path string `yaml:"path"`
}

// ToolsConfig configures the local diagnostic tools.
type ToolsConfig struct {
	ShellTimeout   time.Duration `yaml:"shell_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	NmapPath       string        `yaml:"nmap_path,omitempty"`
	// CallsPerMinute caps executions per tool. Zero means unlimited.
	CallsPerMinute int           `yaml:"calls_per_minute"`
}

// GatewayConfig holds the HTTP front end settings.
type GatewayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestsPerMin int           `yaml:"requests_per_min"`
	BurstSize      int           `yaml:"burst_size"`
	AuthToken      string        `yaml:"auth_token,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.sensei.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".sensei")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		LLM: LLMConfig{
			Primary: "gemini",
			Providers: []ProviderConfig{
				{
					Name:           "gemini",
					Type:           "gemini",
					Model:          "gemini-2.5-flash",
					EmbeddingModel: "gemini-embedding-001",
					Temperature:    0.7,
					RespTimeout:    60 * time.Second,
				},
				{
					Name:           "ollama",
					Type:           "ollama",
					BaseURL:        "http://localhost:11434",
					Model:          "llama3",
					EmbeddingModel: "nomic-embed-text",
					RespTimeout:    120 * time.Second,
				},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				Burst:             10,
			},
			EmbeddingCacheSize: 256,
		},
		Router: RouterConfig{
			FastPath:            true,
			Cache:               true,
			CacheThreshold:      0.1,
			CorrectionThreshold: 0.05,
		},
		Dispatcher: DispatcherConfig{
			MaxDepth:        3,
			HandlerTimeout:  120 * time.Second,
			DefaultCategory: "casual",
		},
		Memory: MemoryConfig{
			DatabasePath: filepath.Join(dataDir, "sensei.db"),
			RAGTopK:      3,
		},
		MCP: MCPConfig{
			SettingsPath: "mcp_settings.json",
			CallTimeout:  30 * time.Second,
			PollInterval: 5 * time.Second,
			Watch:        true,
		},
		Prompts: PromptsConfig{
			Path: "prompts.yaml",
		},
		Tools: ToolsConfig{
			ShellTimeout:   30 * time.Second,
			MaxOutputBytes: 4000,
			CallsPerMinute: 30,
		},
		Gateway: GatewayConfig{
			Enabled:        true,
			Addr:           "127.0.0.1:3000",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   180 * time.Second,
			RequestsPerMin: 120,
			BurstSize:      20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies defaults and env overrides.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SENSEI_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if p := cfg.provider("gemini"); p != nil && p.APIKey == "" {
			p.APIKey = v
		}
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		if p := cfg.provider("ollama"); p != nil {
			p.Model = v
			if cfg.LLM.Fallback == "" && cfg.LLM.Primary != p.Name {
				cfg.LLM.Fallback = p.Name
			}
		}
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if p := cfg.provider("ollama"); p != nil {
			p.BaseURL = v
		}
	}
	if v := os.Getenv("SENSEI_LLM_PRIMARY"); v != "" {
		cfg.LLM.Primary = v
	}
	if v := os.Getenv("SENSEI_LLM_FALLBACK"); v != "" {
		cfg.LLM.Fallback = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Memory.DatabasePath = strings.TrimPrefix(v, "sqlite:")
	}
	if v := os.Getenv("SENSEI_MCP_CONFIG"); v != "" {
		cfg.MCP.SettingsPath = v
	}
	if v := os.Getenv("SENSEI_MCP_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MCP.CallTimeout = d
		}
	}
	if v := os.Getenv("SENSEI_PROMPTS_PATH"); v != "" {
		cfg.Prompts.Path = v
	}
	if v := os.Getenv("SENSEI_LISTEN_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("SENSEI_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("SENSEI_DISPATCHER_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.MaxDepth = n
		}
	}
	if v := os.Getenv("SENSEI_DISPATCHER_STRICT"); v == "true" {
		cfg.Dispatcher.StrictDelegation = true
	}
	if v := os.Getenv("SYSTEM_NMAPPATH"); v != "" {
		cfg.Tools.NmapPath = v
	}
	if v := os.Getenv("SENSEI_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SENSEI_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SENSEI_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SENSEI_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// Provider returns the named provider config, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	return c.provider(name)
}

func (c *Config) provider(name string) *ProviderConfig {
	for i := range c.LLM.Providers {
		if c.LLM.Providers[i].Name == name {
			return &c.LLM.Providers[i]
		}
	}
	return nil
}

func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}
	if tok, ok := strings.CutPrefix(cfg.Gateway.AuthToken, "enc:"); ok {
		decrypted, err := DecryptValue(tok, passphrase)
		if err != nil {
			return fmt.Errorf("gateway auth_token: %w", err)
		}
		cfg.Gateway.AuthToken = decrypted
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM using an Argon2id-derived key.
// The result is hex(salt) + ":" + hex(nonce+ciphertext); store it with an "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, "generate salt: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, err.Error())
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, "generate nonce: "+err.Error())
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode salt: "+err.Error())
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode ciphertext: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Wrong passphrase or tampered data.
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not group/world writable.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
