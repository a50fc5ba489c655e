// Package config loads hyte configuration with Viper from files,
// environment variables and command-line flags.
//
// Six settings are mandatory and never defaulted here: the template
// directory and extension, the bundle output path, both wrapper templates,
// and whether the watcher runs. Everything else has an ambient default set
// by SetDefaults. Environment variables use the HYTE_ prefix.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

type Config struct {
	Templates TemplatesConfig `mapstructure:"templates" yaml:"templates"`
	Compile   CompileConfig   `mapstructure:"compile" yaml:"compile"`
	Render    RenderConfig    `mapstructure:"render" yaml:"render"`
	Watch     WatchConfig     `mapstructure:"watch" yaml:"watch"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type TemplatesConfig struct {
	Dir               string `mapstructure:"dir" yaml:"dir"`
	Extension         string `mapstructure:"extension" yaml:"extension"`
	CompiledExtension string `mapstructure:"compiled_extension" yaml:"compiled_extension"`
}

type CompileConfig struct {
	BundleOutput  string `mapstructure:"bundle_output" yaml:"bundle_output"`
	BundleWrapper string `mapstructure:"bundle_wrapper" yaml:"bundle_wrapper"`
	ModuleWrapper string `mapstructure:"module_wrapper" yaml:"module_wrapper"`
	// Workers bounds bundle fan-out; 0 means runtime.NumCPU.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// CacheSize bounds the compiled-program cache in payload bytes; 0
	// disables it.
	CacheSize int64 `mapstructure:"cache_size" yaml:"cache_size"`
}

type RenderConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type WatchConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
	RemoveStale bool          `mapstructure:"remove_stale" yaml:"remove_stale"`
}

type ServerConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Mandatory lists the keys Load refuses to run without.
var Mandatory = []string{
	"templates.dir",
	"templates.extension",
	"compile.bundle_output",
	"compile.bundle_wrapper",
	"compile.module_wrapper",
	"watch.enabled",
}

// SetDefaults registers defaults for every non-mandatory key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("templates.compiled_extension", ".js")
	v.SetDefault("compile.workers", 0)
	v.SetDefault("compile.cache_size", 8<<20)
	v.SetDefault("render.timeout", 10*time.Second)
	v.SetDefault("render.max_body_bytes", 10<<20)
	v.SetDefault("watch.debounce", 100*time.Millisecond)
	v.SetDefault("watch.remove_stale", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.static_dir", "public")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	errs := &herrors.ValidationErrorCollection{}
	for _, key := range Mandatory {
		if !v.IsSet(key) {
			errs.AddField(key, nil, "required setting is missing")
		}
	}
	if errs.HasErrors() {
		return nil, errs.ToHyteError()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, herrors.Wrap(err, herrors.ErrorTypeConfig, herrors.ErrCodeConfigInvalid, "decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values for correctness and unsafe paths.
func (c *Config) Validate() error {
	errs := &herrors.ValidationErrorCollection{}

	validatePathField(errs, "templates.dir", c.Templates.Dir)
	validatePathField(errs, "compile.bundle_output", c.Compile.BundleOutput)
	validateWrapperField(errs, "compile.bundle_wrapper", c.Compile.BundleWrapper)
	validateWrapperField(errs, "compile.module_wrapper", c.Compile.ModuleWrapper)

	validateExtension(errs, "templates.extension", c.Templates.Extension)
	validateExtension(errs, "templates.compiled_extension", c.Templates.CompiledExtension)
	if c.Templates.Extension != "" && c.Templates.Extension == c.Templates.CompiledExtension {
		errs.AddField("templates.compiled_extension", c.Templates.CompiledExtension, "must differ from templates.extension")
	}

	if c.Compile.Workers < 0 {
		errs.AddField("compile.workers", c.Compile.Workers, "must not be negative")
	}
	if c.Compile.CacheSize < 0 {
		errs.AddField("compile.cache_size", c.Compile.CacheSize, "must not be negative")
	}
	if c.Render.Timeout <= 0 {
		errs.AddField("render.timeout", c.Render.Timeout, "must be positive")
	}
	if c.Render.MaxBodyBytes <= 0 {
		errs.AddField("render.max_body_bytes", c.Render.MaxBodyBytes, "must be positive")
	}
	if c.Watch.Debounce <= 0 {
		errs.AddField("watch.debounce", c.Watch.Debounce, "must be positive")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs.AddField("server.port", c.Server.Port, "not in valid range 0-65535")
	}
	if c.Server.Host != "" {
		if char, bad := dangerousChar(c.Server.Host, append(dangerousChars, "\\")); bad {
			errs.AddField("server.host", c.Server.Host, fmt.Sprintf("contains dangerous character: %s", char))
		}
	}
	if c.Server.StaticDir != "" {
		validatePathField(errs, "server.static_dir", c.Server.StaticDir)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs.AddField("log.format", c.Log.Format, "must be text or json")
	}

	if errs.HasErrors() {
		return errs.ToHyteError()
	}

	return nil
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CompiledPath mirrors a source path to its compiled output path: same
// directory and base name, compiled extension instead of a trailing source
// extension. Names without a trailing source extension get the compiled
// extension appended.
func (c *Config) CompiledPath(sourcePath string) string {
	dir, name := filepath.Split(sourcePath)
	if c.Templates.Extension != "" {
		name = strings.TrimSuffix(name, c.Templates.Extension)
	}

	return filepath.Join(dir, name+c.Templates.CompiledExtension)
}

var dangerousChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}

func dangerousChar(s string, chars []string) (string, bool) {
	for _, char := range chars {
		if strings.Contains(s, char) {
			return char, true
		}
	}

	return "", false
}

func validateExtension(errs *herrors.ValidationErrorCollection, field, ext string) {
	switch {
	case ext == "":
		errs.AddField(field, ext, "must not be empty")
	case !strings.HasPrefix(ext, "."):
		errs.AddField(field, ext, "must start with '.'")
	case strings.ContainsAny(ext, `/\`):
		errs.AddField(field, ext, "must not contain path separators")
	}
}

// validateWrapperField accepts either a builtin wrapper name or a file path.
func validateWrapperField(errs *herrors.ValidationErrorCollection, field, value string) {
	if strings.HasPrefix(value, BuiltinPrefix) {
		return
	}
	validatePathField(errs, field, value)
}

// BuiltinPrefix marks wrapper settings that name an embedded wrapper, for
// example "builtin:amd".
const BuiltinPrefix = "builtin:"

func validatePathField(errs *herrors.ValidationErrorCollection, field, path string) {
	if err := validatePath(path); err != nil {
		errs.AddField(field, path, err.Error())
	}
}

// validatePath rejects empty paths and shell metacharacters.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("must not be empty")
	}

	cleanPath := filepath.Clean(path)
	if char, bad := dangerousChar(cleanPath, dangerousChars); bad {
		return fmt.Errorf("path contains dangerous character: %s", char)
	}

	return nil
}
