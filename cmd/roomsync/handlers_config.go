package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/roomsync/internal/config"
)

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  listen:    %s\n", cfg.Address())
	fmt.Fprintf(out, "  retention: %s (sweep %s)\n", cfg.Retention(), cfg.Rooms.SweepSchedule)
	fmt.Fprintf(out, "  timeline:  %t\n", cfg.TimelineEnabled())
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
