package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/guesswewho/ftuner/internal/hardware"
)

func presetsCmd() *cli.Command {
	return &cli.Command{
		Name:      "presets",
		Usage:     "List hardware presets, or dump one as yaml",
		ArgsUsage: "[name]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if name := cmd.Args().First(); name != "" {
				hw, err := hardware.Preset(name)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(hw)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(out)
				return err
			}
			for _, name := range hardware.PresetNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}
