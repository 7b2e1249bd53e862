package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ircbot/internal/config"
	"ircbot/internal/plugin"
	logx "ircbot/pkg/logx"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and every enabled plugin block",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		pm := plugin.NewManager(&plugin.Env{Log: logx.Nop()}, logx.Nop())
		pm.Register(builtinPlugins()...)
		if err := pm.Validate(cfg.Plugins); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", cfgPath)
		for _, s := range cfg.Servers {
			fmt.Fprintf(out, "  server %-12s %s:%d as %s\n", s.Name, s.Host, s.Port, s.Nick)
		}
		for name, p := range cfg.Plugins {
			if p.Enabled {
				fmt.Fprintf(out, "  plugin %s enabled\n", name)
			}
		}
		return nil
	},
}
