package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/winkctl/internal/app"
	"github.com/chaz8081/winkctl/internal/ble"
	"github.com/chaz8081/winkctl/internal/config"
	"github.com/chaz8081/winkctl/internal/settings"
	"github.com/chaz8081/winkctl/internal/wifi"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the companion daemon",
		Long: "Run connects to the Wink Module (automatically unless opted out), checks its firmware,\n" +
			"and serves the local control API used by the other commands.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			logger, flush, err := opts.logger(cmd, cfg)
			if err != nil {
				return err
			}
			defer flush()

			printBanner(cfg)

			kv, err := settings.Open(cfg.SettingsPath)
			if err != nil {
				return err
			}

			var joiner wifi.Joiner
			nm, err := wifi.NewNetworkManager(logger.WithName("wifi"))
			if err != nil {
				logger.Info("WiFi unavailable, firmware installs disabled", "error", err.Error())
				joiner = wifi.Unavailable{Err: err}
			} else {
				defer nm.Close()
				joiner = nm
			}

			d, err := app.New(cfg, app.Deps{
				Adapter:  ble.NewTinygoAdapter(),
				Joiner:   joiner,
				Settings: kv,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			if err := d.Run(cmd.Context()); err != nil {
				logger.Error(err, "daemon stopped")
				return err
			}
			logger.Info("Goodbye!")
			return nil
		},
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== winkctl ===")
	fmt.Printf("  Settings:     %s\n", cfg.SettingsPath)
	fmt.Printf("  Auto-connect: %v\n", cfg.BLE.AutoConnect)
	fmt.Printf("  Update:       %s\n", cfg.Update.ServiceURL)
	if cfg.Server.Addr != "" {
		fmt.Printf("  API:          http://%s\n", cfg.Server.Addr)
	}
	if cfg.MQTT.BrokerURL != "" {
		fmt.Printf("  MQTT:         %s (%s)\n", cfg.MQTT.BrokerURL, cfg.MQTT.TopicRoot)
	}
	fmt.Printf("  Log:          %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
