package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/chaz8081/winkctl/internal/config"
	winklog "github.com/chaz8081/winkctl/internal/log"
)

type rootOptions struct {
	configPath string
	addr       string
	log        *winklog.Options
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{log: winklog.NewOptions()}
	cmd := &cobra.Command{
		Use:           "winkctl",
		Short:         "Control a Wink Module over Bluetooth LE",
		Long:          "winkctl runs the Wink Module companion daemon and talks to it from the command line.",
		SilenceUsage:  true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to config file (default: ~/.config/winkctl/config.yaml)")
	pf.StringVar(&opts.addr, "addr", "", "daemon API address (default: server.addr from the config)")
	opts.log.AddFlags(pf)

	cmd.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newScanCommand(opts),
		newDisconnectCommand(opts),
		newMoveCommand(opts),
		newSleepCommand(opts),
		newSyncCommand(opts),
		newDeepSleepCommand(opts),
		newButtonCommand(opts),
		newUpdateCommand(opts),
		newAutoConnectCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

// config loads the configuration from the flag path, the default path, or
// built-in defaults, and validates it.
func (o *rootOptions) config() (*config.Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file; defaults plus WINK_* overrides.
	return config.FromEnv()
}

// logger builds the process logger. Flags win over the config file.
func (o *rootOptions) logger(cmd *cobra.Command, cfg *config.Config) (logr.Logger, func(), error) {
	flags := cmd.Flags()
	if !flags.Changed("log-level") {
		o.log.Level = cfg.LogLevel
	}
	if !flags.Changed("log-format") {
		o.log.Format = cfg.LogFormat
	}
	return winklog.New(o.log)
}

// client returns an API client for the running daemon.
func (o *rootOptions) client() (*apiClient, error) {
	addr := o.addr
	if addr == "" {
		cfg, err := o.config()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if addr == "" {
		return nil, fmt.Errorf("no daemon address: set server.addr or pass --addr")
	}
	return newAPIClient(addr), nil
}
