package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Axway/agent-sdk/pkg/cmd/properties"
	"github.com/Axway/agent-sdk/pkg/util/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
)

// RootCmd is the root
var RootCmd = &cobra.Command{
	Use:           "kong-adapter",
	Short:         "Keeps the Kong configuration in sync with the wicked portal API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := initConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var rootProps properties.Properties

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// allow.resync is read from ALLOW_RESYNC, kong.admin.url from KONG_ADMIN_URL
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootProps = properties.NewProperties(RootCmd)
	config.AddAdapterProperties(rootProps)
}

func initConfig() (*config.AdapterConfig, error) {
	cfg := config.ParseProperties(rootProps)
	if err := cfg.ValidateCfg(); err != nil {
		return nil, err
	}
	if err := setLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	log.NewFieldLogger().WithComponent("root").WithPackage("cmd").WithField("level", lvl.String()).Debug("log level set")
	return nil
}
