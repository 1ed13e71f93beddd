// Package config loads the typed service configuration once at startup.
//
// Precedence: built-in defaults < optional YAML file (DG_CONFIG) <
// environment variables. A .env file in the working directory is folded
// into the environment first. Validation collects every problem before
// failing so operators see the full list at once.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultDenyPrefixes are canonical directory prefixes the export root
// must never resolve into. Overridable only via the YAML file.
var defaultDenyPrefixes = []string{
	"/etc", "/root", "/home", "/usr", "/bin", "/sbin", "/var/www",
}

// Config is the fully-typed service configuration. The access core
// receives these values directly; it never parses raw strings.
type Config struct {
	Addr string
	Env  string

	ExportRoot    string
	DataDir       string
	RateLimitFile string
	AccessLogFile string

	SearchAttempts   int
	SearchWindow     time.Duration
	DownloadAttempts int
	DownloadWindow   time.Duration

	AllowedExtensions []string
	AllowedMIMETypes  []string
	TrustedProxies    []string
	DenyPrefixes      []string

	LogAccess bool
}

// fileConfig mirrors Config for the optional YAML file. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	Addr              *string  `yaml:"addr"`
	Env               *string  `yaml:"env"`
	ExportRoot        *string  `yaml:"export_root"`
	DataDir           *string  `yaml:"data_dir"`
	RateLimitFile     *string  `yaml:"rate_limit_file"`
	AccessLogFile     *string  `yaml:"access_log_file"`
	SearchAttempts    *int     `yaml:"rate_limit_search_attempts"`
	SearchWindow      *int     `yaml:"rate_limit_search_window"`
	DownloadAttempts  *int     `yaml:"rate_limit_download_attempts"`
	DownloadWindow    *int     `yaml:"rate_limit_download_window"`
	AllowedExtensions []string `yaml:"allowed_file_extensions"`
	AllowedMIMETypes  []string `yaml:"allowed_mime_types"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	DenyPrefixes      []string `yaml:"deny_prefixes"`
	LogAccess         *bool    `yaml:"log_access"`
}

// Load builds the configuration and validates it. Any validation error
// aborts with the combined message.
func Load() (*Config, error) {
	// Best effort: a missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:              ":8080",
		Env:               "production",
		ExportRoot:        "/mnt/export",
		DataDir:           "./data",
		SearchAttempts:    5,
		SearchWindow:      300 * time.Second,
		DownloadAttempts:  10,
		DownloadWindow:    60 * time.Second,
		AllowedExtensions: []string{"zip", "pdf"},
		AllowedMIMETypes:  []string{"application/zip", "application/pdf"},
		TrustedProxies:    []string{"127.0.0.1", "::1"},
		DenyPrefixes:      append([]string(nil), defaultDenyPrefixes...),
		LogAccess:         true,
	}

	if path := os.Getenv("DG_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	v := newValidator()
	cfg.applyEnv(v)

	if cfg.RateLimitFile == "" {
		cfg.RateLimitFile = filepath.Join(cfg.DataDir, "rate_limit.json")
	}
	if cfg.AccessLogFile == "" {
		cfg.AccessLogFile = filepath.Join(cfg.DataDir, "access.log")
	}

	cfg.validate(v)
	if v.hasErrors() {
		return nil, fmt.Errorf("%s", v.errorString())
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.Addr, fc.Addr)
	setString(&c.Env, fc.Env)
	setString(&c.ExportRoot, fc.ExportRoot)
	setString(&c.DataDir, fc.DataDir)
	setString(&c.RateLimitFile, fc.RateLimitFile)
	setString(&c.AccessLogFile, fc.AccessLogFile)
	if fc.SearchAttempts != nil {
		c.SearchAttempts = *fc.SearchAttempts
	}
	if fc.SearchWindow != nil {
		c.SearchWindow = time.Duration(*fc.SearchWindow) * time.Second
	}
	if fc.DownloadAttempts != nil {
		c.DownloadAttempts = *fc.DownloadAttempts
	}
	if fc.DownloadWindow != nil {
		c.DownloadWindow = time.Duration(*fc.DownloadWindow) * time.Second
	}
	if fc.AllowedExtensions != nil {
		c.AllowedExtensions = fc.AllowedExtensions
	}
	if fc.AllowedMIMETypes != nil {
		c.AllowedMIMETypes = fc.AllowedMIMETypes
	}
	if fc.TrustedProxies != nil {
		c.TrustedProxies = fc.TrustedProxies
	}
	if fc.DenyPrefixes != nil {
		c.DenyPrefixes = fc.DenyPrefixes
	}
	if fc.LogAccess != nil {
		c.LogAccess = *fc.LogAccess
	}
	return nil
}

func (c *Config) applyEnv(v *validator) {
	envString(&c.Addr, "DG_ADDR")
	envString(&c.Env, "DG_ENV")
	envString(&c.ExportRoot, "DG_EXPORT_ROOT")
	envString(&c.DataDir, "DG_DATA_DIR")
	envString(&c.RateLimitFile, "DG_RATE_LIMIT_FILE")
	envString(&c.AccessLogFile, "DG_ACCESS_LOG_FILE")
	envInt(&c.SearchAttempts, "DG_RATE_LIMIT_SEARCH_ATTEMPTS", v)
	envSeconds(&c.SearchWindow, "DG_RATE_LIMIT_SEARCH_WINDOW", v)
	envInt(&c.DownloadAttempts, "DG_RATE_LIMIT_DOWNLOAD_ATTEMPTS", v)
	envSeconds(&c.DownloadWindow, "DG_RATE_LIMIT_DOWNLOAD_WINDOW", v)
	envList(&c.AllowedExtensions, "DG_ALLOWED_FILE_EXTENSIONS")
	envList(&c.AllowedMIMETypes, "DG_ALLOWED_MIME_TYPES")
	envList(&c.TrustedProxies, "DG_TRUSTED_PROXIES")
	envBool(&c.LogAccess, "DG_LOG_ACCESS", v)
}

// envField maps an environment key to its validation field name.
func envField(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, "DG_"))
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string, val *validator) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		val.addError(envField(key), fmt.Sprintf("%q is not an integer", raw))
		return
	}
	*dst = n
}

func envSeconds(dst *time.Duration, key string, val *validator) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		val.addError(envField(key), fmt.Sprintf("%q is not a number of seconds", raw))
		return
	}
	*dst = time.Duration(n) * time.Second
}

func envBool(dst *bool, key string, val *validator) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		val.addError(envField(key), fmt.Sprintf("%q is not a boolean", raw))
		return
	}
	*dst = b
}

func envList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (c *Config) validate(v *validator) {
	if c.Addr == "" {
		v.addError("addr", "listen address must not be empty")
	} else {
		portStr := c.Addr
		if i := strings.LastIndex(portStr, ":"); i >= 0 {
			portStr = portStr[i+1:]
		}
		if port, err := strconv.Atoi(portStr); err != nil {
			v.addError("addr", "port must be a number")
		} else if port < 1 || port > 65535 {
			v.addError("addr", "port must be between 1 and 65535")
		}
	}
	if c.Env != "production" && c.Env != "development" {
		v.addError("env", "must be production or development")
	}
	if c.ExportRoot == "" {
		v.addError("export_root", "export root must not be empty")
	}
	if c.SearchAttempts < 1 {
		v.addError("rate_limit_search_attempts", "must be at least 1")
	}
	if c.SearchWindow <= 0 {
		v.addError("rate_limit_search_window", "must be a positive number of seconds")
	}
	if c.DownloadAttempts < 1 {
		v.addError("rate_limit_download_attempts", "must be at least 1")
	}
	if c.DownloadWindow <= 0 {
		v.addError("rate_limit_download_window", "must be a positive number of seconds")
	}
	if len(c.AllowedExtensions) == 0 {
		v.addError("allowed_file_extensions", "at least one extension is required")
	}
	for _, ext := range c.AllowedExtensions {
		if strings.ContainsAny(ext, "./\\") {
			v.addError("allowed_file_extensions", fmt.Sprintf("%q must be a bare extension without dot or separator", ext))
		}
	}
	if len(c.AllowedMIMETypes) == 0 {
		v.addError("allowed_mime_types", "at least one MIME type is required")
	}
	for _, mt := range c.AllowedMIMETypes {
		if !strings.Contains(mt, "/") {
			v.addError("allowed_mime_types", fmt.Sprintf("%q is not a type/subtype pair", mt))
		}
	}
}
