package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/config"
)

const (
	configKey     = "config"
	logLevelKey   = "log.level"
	serverAddrKey = "server.addr"
)

// app carries state shared by subcommands.
type app struct {
	v   *viper.Viper
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "delegauth",
		Short: "Delegated-token authorization for agent tools",
		Long: `delegauth validates delegated bearer tokens, decides permissions as the
intersection of the agent's scope and the user's permissions, and exchanges
user tokens for delegated tokens on behalf of an agent.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "delegauth.yaml", "path to the configuration file")
	flags.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	bindFlag(a.v, configKey, flags.Lookup("config"))
	bindFlag(a.v, logLevelKey, flags.Lookup("log-level"))

	a.v.SetEnvPrefix("DELEGAUTH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(newServeCmd(a), newTokenCmd(a), newInspectCmd(a))
	return root
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// loadConfig is the PreRunE of every command that needs the configuration.
func (a *app) loadConfig(cmd *cobra.Command, _ []string) error {
	path := a.v.GetString(configKey)
	if path == "" {
		return errors.New("a configuration file is required (--config or DELEGAUTH_CONFIG)")
	}
	cfg, err := config.Load(cmd.Context(), path)
	if err != nil {
		return err
	}
	if level := a.v.GetString(logLevelKey); level != "" {
		cfg.Observe.Logging.Level = level
	}
	if addr := a.v.GetString(serverAddrKey); addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
