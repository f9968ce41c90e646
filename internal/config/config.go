// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Interception() InterceptionConfig
	Injection() InjectionConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserDebug(bool)

	// Injection Setters
	AddInjectionInitScriptFile(path string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	InterceptionCfg InterceptionConfig `mapstructure:"interception" yaml:"interception"`
	InjectionCfg    InjectionConfig    `mapstructure:"injection" yaml:"injection"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) Interception() InterceptionConfig { return c.InterceptionCfg }
func (c *Config) Injection() InjectionConfig       { return c.InjectionCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDebug(b bool)    { c.BrowserCfg.Debug = b }

func (c *Config) AddInjectionInitScriptFile(path string) {
	c.InjectionCfg.InitScriptFiles = append(c.InjectionCfg.InitScriptFiles, path)
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance driven by the run command.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale            string         `mapstructure:"locale" yaml:"locale"`
	Timezone          string         `mapstructure:"timezone" yaml:"timezone"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration  `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// InterceptionConfig tunes the Fetch-level request router.
type InterceptionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// PrivilegedURLPrefixes lists pages whose bodies must never be fulfilled
	// because the host browser crashes on them.
	PrivilegedURLPrefixes []string `mapstructure:"privileged_url_prefixes" yaml:"privileged_url_prefixes"`
	// SentinelURLs bootstrap a document's own interception when passed to Continue.
	SentinelURLs   []string      `mapstructure:"sentinel_urls" yaml:"sentinel_urls"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// InjectionConfig configures init scripts, bindings and execution worlds.
type InjectionConfig struct {
	InternalBindingPrefix string   `mapstructure:"internal_binding_prefix" yaml:"internal_binding_prefix"`
	UtilityWorldName      string   `mapstructure:"utility_world_name" yaml:"utility_world_name"`
	InitScriptFiles       []string `mapstructure:"init_script_files" yaml:"init_script_files"`
	FocusControl          bool     `mapstructure:"focus_control" yaml:"focus_control"`
	Stealth               bool     `mapstructure:"stealth" yaml:"stealth"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "veil")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.post_load_wait", "2s")

	// -- Interception --
	v.SetDefault("interception.enabled", true)
	v.SetDefault("interception.privileged_url_prefixes", []string{"https://ntp.msn"})
	v.SetDefault("interception.sentinel_urls", []string{
		"http://veil-init-script-inject.internal/",
		"https://veil-init-script-inject.internal/",
	})
	v.SetDefault("interception.command_timeout", "10s")

	// -- Injection --
	v.SetDefault("injection.internal_binding_prefix", "__veil_")
	v.SetDefault("injection.utility_world_name", "utility")
	v.SetDefault("injection.focus_control", false)
	v.SetDefault("injection.stealth", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.NavigationTimeout < 0 {
		return fmt.Errorf("browser.navigation_timeout must not be negative")
	}
	if err := c.InterceptionCfg.Validate(); err != nil {
		return fmt.Errorf("interception configuration invalid: %w", err)
	}
	if err := c.InjectionCfg.Validate(); err != nil {
		return fmt.Errorf("injection configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the interception settings.
func (i *InterceptionConfig) Validate() error {
	if i.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be a positive duration")
	}
	for _, u := range i.SentinelURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("sentinel url %q must be http or https", u)
		}
	}
	for _, p := range i.PrivilegedURLPrefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("privileged_url_prefixes must not contain empty entries")
		}
	}
	return nil
}

// Validate checks the injection settings.
func (i *InjectionConfig) Validate() error {
	if i.InternalBindingPrefix == "" {
		return fmt.Errorf("internal_binding_prefix is required")
	}
	if i.UtilityWorldName == "" {
		return fmt.Errorf("utility_world_name is required")
	}
	return nil
}

// LoadInitScripts reads every configured init script file. Paths may start
// with "~", which is expanded to the user's home directory.
func (i *InjectionConfig) LoadInitScripts() ([]string, error) {
	sources := make([]string, 0, len(i.InitScriptFiles))
	for _, p := range i.InitScriptFiles {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand init script path %q: %w", p, err)
		}
		content, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to read init script %q: %w", expanded, err)
		}
		sources = append(sources, string(content))
	}
	return sources, nil
}
