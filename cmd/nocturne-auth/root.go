package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment variable, e.g.
// NOCTURNE_AUTH_POSTGRES_DSN for --postgres-dsn.
const envPrefix = "NOCTURNE_AUTH"

// cli carries state shared by the subcommands.
type cli struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "nocturne-auth",
		Short:         "OAuth 2.0 and OpenID Connect authorization server for Nocturne",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # In-memory storage (development only)
  nocturne-auth serve --issuer http://localhost:8080 --store memory

  # PostgreSQL with a persistent signing key
  nocturne-auth keygen --out /etc/nocturne/signing.pem
  NOCTURNE_AUTH_POSTGRES_DSN=postgres://auth@db/nocturne nocturne-auth serve \
    --store postgres --signing-key-file /etc/nocturne/signing.pem

  # Everything from a config file
  nocturne-auth serve --config /etc/nocturne/auth.yaml
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := c.loadConfigFile()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), c.v.GetString("log-format"), c.v.GetString("log-level"))
			if err != nil {
				return err
			}
			c.logger = logger
			if path != "" {
				logger.Info("Loaded config file", "path", path)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("log-format", "json", "log format: json or text")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	if err := c.bindFlags(flags, "config", "log-format", "log-level"); err != nil {
		panic(err)
	}

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	cmd.AddCommand(
		newServeCommand(c),
		newMigrateCommand(c),
		newKeygenCommand(c),
		newHashSecretCommand(c),
	)
	return cmd
}

// bindFlags binds each named flag to the viper key of the same name, so a
// value resolves from flag, then environment, then config file.
func (c *cli) bindFlags(flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not found", name)
		}
		if err := c.v.BindPFlag(name, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// loadConfigFile reads --config when set. Keys use the flag names.
func (c *cli) loadConfigFile() (string, error) {
	path := strings.TrimSpace(c.v.GetString("config"))
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}

	c.v.SetConfigFile(abs)
	if ext := filepath.Ext(abs); ext == "" {
		c.v.SetConfigType("yaml")
	}
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

// newLogger builds the process logger from --log-format and --log-level.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: use debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: use json or text", format)
	}
}
