package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/guesswewho/ftuner/internal/search"
)

func sketchesCmd() *cli.Command {
	return &cli.Command{
		Name:  "sketches",
		Usage: "Print the schedule sketches generated for a workload",
		Flags: commonTaskFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger()
			task, err := buildTask()
			if err != nil {
				return err
			}
			policy, err := search.NewSketchPolicy(task, search.NewRandomModel(seed),
				search.DefaultParams(), search.NewMeasurer(&search.SimBuilder{}, &search.SimRunner{}, log),
				log, seed)
			if err != nil {
				return err
			}

			sketches := policy.Sketches()
			out := make([]json.RawMessage, len(sketches))
			for i, s := range sketches {
				out[i] = json.RawMessage(s.CanonKey())
			}
			enc, err := json.MarshalIndent(map[string]any{
				"workload": task.Workload.Name,
				"count":    len(sketches),
				"sketches": out,
			}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(enc))
			return err
		},
	}
}
