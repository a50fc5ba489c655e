// Package cmd provides the hyte command-line interface.
//
// Configuration is resolved from, highest priority first:
//
//  1. Command-line flags (-d, -e, -t, -s, -o, -w, --log-level, ...)
//  2. HYTE_<SECTION>_<OPTION> environment variables, e.g. HYTE_SERVER_PORT
//  3. The file named by --config or HYTE_CONFIG_FILE
//  4. .hyte.yml in the current directory
//  5. Built-in defaults
package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/hyte/internal/build"
	"github.com/conneroisu/hyte/internal/config"
	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/logging"
	"github.com/conneroisu/hyte/internal/renderer"
	"github.com/conneroisu/hyte/internal/store"
)

// EnvConfigFile names a config file when --config is not given.
const EnvConfigFile = "HYTE_CONFIG_FILE"

var rootCmd = newRootCmd()

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// flagBinding ties a persistent flag to its configuration key.
type flagBinding struct {
	flag  string
	key   string
	value interface{}
}

// cliDefaults supplies the mandatory settings from the command line, so a
// bare `hyte serve` needs no config file.
var cliDefaults = []flagBinding{
	{"template-dir", "templates.dir", "public/views"},
	{"template-extension", "templates.extension", ".html"},
	{"compilation-template", "compile.module_wrapper", config.BuiltinPrefix + "amd"},
	{"compilation-set-template", "compile.bundle_wrapper", config.BuiltinPrefix + "set"},
	{"compilation-set-output", "compile.bundle_output", "public/compiled.js"},
	{"watcher", "watch.enabled", false},
	{"log-level", "log.level", "info"},
	{"log-format", "log.format", "text"},
}

// app carries state shared by every subcommand once configuration is loaded.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "hyte",
		Short: "Hybrid mustache templating: precompile for the browser, render on the server",
		Long: `hyte compiles mustache templates into JavaScript modules and bundles for
client-side rendering, and renders the same templates server-side from inline
data or a remote JSON endpoint.

Quick Start:
  hyte build                          Write the bundle of all templates
  hyte compile list                   Print the module for public/views/list.html
  hyte render list --data '{"a":1}'   Render a template to HTML
  hyte serve -w                       Serve over HTTP and recompile on change`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.load(cmd) },
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is .hyte.yml, can also use "+EnvConfigFile+" env var)")
	flags.StringP("template-dir", "d", "public/views", "Template directory")
	flags.StringP("template-extension", "e", ".html", "Template extension")
	flags.StringP("compilation-template", "t", config.BuiltinPrefix+"amd", "Wrapper for individually compiled templates")
	flags.StringP("compilation-set-template", "s", config.BuiltinPrefix+"set", "Wrapper for the compiled template bundle")
	flags.StringP("compilation-set-output", "o", "public/compiled.js", "Output file for the compiled template bundle")
	flags.BoolP("watcher", "w", false, "Recompile templates as they change")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	a.bindFlags(flags)

	root.AddCommand(
		a.newServeCmd(),
		a.newBuildCmd(),
		a.newCompileCmd(),
		a.newRenderCmd(),
		a.newWatchCmd(),
		a.newConfigCmd(),
		newVersionCmd(),
	)

	return root
}

func (a *app) bindFlags(flags *pflag.FlagSet) {
	config.SetDefaults(a.v)
	for _, b := range cliDefaults {
		a.v.SetDefault(b.key, b.value)
		if f := flags.Lookup(b.flag); f != nil {
			_ = a.v.BindPFlag(b.key, f)
		}
	}

	a.v.SetEnvPrefix("HYTE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()
}

// load reads the config file, then builds the validated Config and logger.
func (a *app) load(cmd *cobra.Command) error {
	if err := a.readConfigFile(); err != nil {
		return err
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return herrors.NewConfigError(herrors.ErrCodeConfigInvalid, err.Error()).WithContext("log.level", cfg.Log.Level)
	}

	a.cfg = cfg
	a.logger = logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})

	return nil
}

// readConfigFile picks --config, then HYTE_CONFIG_FILE, then .hyte.yml.
// Only the implicit .hyte.yml may be absent.
func (a *app) readConfigFile() error {
	explicit := a.cfgFile
	if explicit == "" {
		explicit = os.Getenv(EnvConfigFile)
	}

	if explicit != "" {
		a.v.SetConfigFile(explicit)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".hyte")
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit == "" && errors.As(err, &notFound) {
			return nil
		}
		return herrors.Wrap(err, herrors.ErrorTypeConfig, herrors.ErrCodeConfigInvalid, "read config file")
	}

	return nil
}

// newEngine wires the store, cache and writer for the loaded config.
func (a *app) newEngine() *build.Engine {
	s := store.New(a.cfg.Templates.Dir, a.cfg.Templates.Extension)
	options := []build.Option{build.WithLogger(a.logger)}
	if a.cfg.Compile.CacheSize > 0 {
		options = append(options, build.WithCache(build.NewProgramCache(a.cfg.Compile.CacheSize, 0)))
	}

	return build.NewEngine(a.cfg, s, options...)
}

func (a *app) newRenderer(engine *build.Engine) *renderer.Renderer {
	return renderer.New(engine,
		renderer.WithTimeout(a.cfg.Render.Timeout),
		renderer.WithMaxBodyBytes(a.cfg.Render.MaxBodyBytes),
		renderer.WithLogger(a.logger))
}
