// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/config"
	"github.com/xkilldash9x/sag/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// rootCmd is the command run by Execute.
var rootCmd = newRootCmd(NewClientProvider())

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	observability.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each call returns an independent tree
// with its own viper instance.
func newRootCmd(provider clientProvider) *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "sag",
		Short:         "sag is a command line client for CouchDB.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sag"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting sag", zap.String("version", Version))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./sag.yaml)")
	flags.String("host", "", "CouchDB host (client.host)")
	flags.String("port", "", "CouchDB port (client.port)")
	flags.StringP("db", "d", "", "database to operate on (client.database)")
	flags.String("cache", "", "response cache: none, memory, file or postgres (cache.type)")
	flags.Bool("no-decode", false, "print bodies exactly as received")
	bindings := map[string]string{
		"client.host":     "host",
		"client.port":     "port",
		"client.database": "db",
		"cache.type":      "cache",
	}
	for key, flag := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(
		newGetCmd(provider),
		newHeadCmd(provider),
		newPutCmd(provider),
		newPostCmd(provider),
		newDeleteCmd(provider),
		newCopyCmd(provider),
		newDBsCmd(provider),
		newUUIDsCmd(provider),
		newCacheCmd(provider),
		newVersionCmd(),
	)
	return cmd
}

// initializeConfig reads in the config file and SAG_ environment variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("sag")
		v.SetConfigType("yaml")
	}
	config.ConfigureEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// Only a searched-for default file may be absent.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}

var errNoCache = errors.New("no response cache configured (set cache.type or --cache)")
