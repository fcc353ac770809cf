package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/guesswewho/ftuner/internal/search"
)

func tuneCmd() *cli.Command {
	var (
		trials        int64
		earlyStopping int64
		efficient     bool
		failRate      float64
		recordFile    string
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Run a tuning session for one workload",
		Flags: append(commonTaskFlags(),
			&cli.Int64Flag{
				Name:        "trials",
				Usage:       "measurement trial budget",
				Value:       64,
				Destination: &trials,
			},
			&cli.Int64Flag{
				Name:        "early-stopping",
				Usage:       "stop after this many trials without improvement (0 disables)",
				Destination: &earlyStopping,
			},
			&cli.BoolFlag{
				Name:        "efficient",
				Usage:       "use the analytic hardware-aligned search instead of the evolutionary loop",
				Destination: &efficient,
			},
			&cli.Float64Flag{
				Name:        "sim-fail-rate",
				Usage:       "fraction of simulated builds that fail",
				Destination: &failRate,
			},
			&cli.StringFlag{
				Name:        "record-file",
				Usage:       "append measured schedules to this JSONL file",
				Destination: &recordFile,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger()
			cfg := LoadConfig()
			applyTuneConfig(cmd, cfg)

			task, err := buildTask()
			if err != nil {
				return err
			}
			params := search.DefaultParams()
			if paramsPath != "" {
				if params, err = search.LoadParams(paramsPath); err != nil {
					return err
				}
			}

			measurer := search.NewMeasurer(&search.SimBuilder{FailRate: failRate}, &search.SimRunner{}, log)
			if recordFile != "" {
				rl, err := search.OpenRecordLog(recordFile)
				if err != nil {
					return err
				}
				defer rl.Close()
				measurer.WithRecordLog(rl)
			}
			model := search.NewRandomModel(seed)
			policy, err := search.NewSketchPolicy(task, model, params, measurer, log, seed)
			if err != nil {
				return err
			}

			var res *search.SearchResult
			if efficient {
				res, err = policy.EfficientSearch()
			} else {
				res, err = policy.Search(int(trials), int(earlyStopping))
			}
			if err != nil {
				return err
			}

			return printResult(task.IsDyn(), res)
		},
	}
}

// tuneReport is the JSON shape `ftuner tune` prints on stdout.
type tuneReport struct {
	Measured            int              `json:"measured"`
	BestCost            float64          `json:"best_cost,omitempty"`
	BestSchedule        json.RawMessage  `json:"best_schedule,omitempty"`
	FlopWeightedLatency float64          `json:"flop_weighted_latency,omitempty"`
	Dispatch            []dispatchReport `json:"dispatch,omitempty"`
}

type dispatchReport struct {
	Instance []int64         `json:"instance"`
	Score    float64         `json:"score"`
	Schedule json.RawMessage `json:"schedule"`
}

func printResult(dyn bool, res *search.SearchResult) error {
	report := tuneReport{Measured: res.NumMeasured}
	if dyn {
		report.FlopWeightedLatency = res.FlopWeightedLatency
		for _, d := range res.Dispatch {
			report.Dispatch = append(report.Dispatch, dispatchReport{
				Instance: d.Instance,
				Score:    d.AdaptedScore,
				Schedule: json.RawMessage(d.State.CanonKey()),
			})
		}
	} else {
		report.BestCost = res.BestCost
		report.BestSchedule = json.RawMessage(res.Best.CanonKey())
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
