package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/guesswewho/ftuner/internal/hardware"
	"github.com/guesswewho/ftuner/internal/logger"
	"github.com/guesswewho/ftuner/internal/workload"
)

var (
	hardwareName string
	target       string
	paramsPath   string
	logLevel     string
	logFormat    string
	seed         int64

	workloadName string
	dimM         string
	dimN         string
	dimK         string
	dimB         string
	shapeVarsArg string
	instancesArg string
	weightsArg   string
)

func commonTaskFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "workload",
			Aliases:     []string{"w"},
			Usage:       "workload kind: matmul or batch_matmul",
			Value:       "matmul",
			Destination: &workloadName,
		},
		&cli.StringFlag{
			Name:        "m",
			Usage:       "M dimension: a number or a shape variable name",
			Value:       "1024",
			Destination: &dimM,
		},
		&cli.StringFlag{
			Name:        "n",
			Usage:       "N dimension: a number or a shape variable name",
			Value:       "1024",
			Destination: &dimN,
		},
		&cli.StringFlag{
			Name:        "k",
			Usage:       "K dimension: a number or a shape variable name",
			Value:       "1024",
			Destination: &dimK,
		},
		&cli.StringFlag{
			Name:        "b",
			Usage:       "batch dimension (batch_matmul only)",
			Value:       "1",
			Destination: &dimB,
		},
		&cli.StringFlag{
			Name:        "shape-vars",
			Usage:       "comma-separated shape variable names, e.g. T",
			Destination: &shapeVarsArg,
		},
		&cli.StringFlag{
			Name:        "instances",
			Usage:       "semicolon-separated instances, comma-separated values each, e.g. 5;10;64",
			Destination: &instancesArg,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "comma-separated instance weights, default 1 each",
			Destination: &weightsArg,
		},
		&cli.StringFlag{
			Name:        "hardware",
			Usage:       "hardware preset name or a descriptor yaml path",
			Value:       "rtx3090",
			Destination: &hardwareName,
		},
		&cli.StringFlag{
			Name:        "target",
			Usage:       "compilation target",
			Value:       "cuda",
			Destination: &target,
		},
		&cli.StringFlag{
			Name:        "params",
			Usage:       "tuning parameter yaml file",
			Destination: &paramsPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed",
			Value:       1,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "text or json",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadHardware() (*hardware.Descriptor, error) {
	if strings.HasSuffix(hardwareName, ".yaml") || strings.HasSuffix(hardwareName, ".yml") {
		return hardware.Load(hardwareName)
	}
	return hardware.Preset(hardwareName)
}

func parseDim(s string) (workload.Extent, error) {
	if s == "" {
		return workload.Extent{}, fmt.Errorf("empty dimension")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v < 1 {
			return workload.Extent{}, fmt.Errorf("dimension must be positive, got %d", v)
		}
		return workload.Extent{Size: v}, nil
	}
	return workload.Extent{Var: s}, nil
}

func parseInstances(s string, numVars int) ([][]int64, error) {
	if s == "" {
		return nil, nil
	}
	var out [][]int64
	for _, part := range strings.Split(s, ";") {
		var inst []int64
		for _, f := range strings.Split(part, ",") {
			v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("instance value %q: %w", f, err)
			}
			inst = append(inst, v)
		}
		if len(inst) != numVars {
			return nil, fmt.Errorf("instance %v has %d values for %d shape variables", inst, len(inst), numVars)
		}
		out = append(out, inst)
	}
	return out, nil
}

func parseWeights(s string, numInstances int) ([]float64, error) {
	if s == "" {
		out := make([]float64, numInstances)
		for i := range out {
			out[i] = 1
		}
		return out, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// buildTask assembles the tuning task from the shared flags.
func buildTask() (*workload.Task, error) {
	m, err := parseDim(dimM)
	if err != nil {
		return nil, fmt.Errorf("m: %w", err)
	}
	n, err := parseDim(dimN)
	if err != nil {
		return nil, fmt.Errorf("n: %w", err)
	}
	k, err := parseDim(dimK)
	if err != nil {
		return nil, fmt.Errorf("k: %w", err)
	}

	var w *workload.Workload
	switch workloadName {
	case "matmul":
		w = workload.Matmul(m, n, k)
	case "batch_matmul":
		b, err := parseDim(dimB)
		if err != nil {
			return nil, fmt.Errorf("b: %w", err)
		}
		w = workload.BatchMatmul(b, m, n, k)
	default:
		return nil, fmt.Errorf("unknown workload %q", workloadName)
	}

	var shapeVars []string
	if shapeVarsArg != "" {
		for _, v := range strings.Split(shapeVarsArg, ",") {
			shapeVars = append(shapeVars, strings.TrimSpace(v))
		}
	}
	instances, err := parseInstances(instancesArg, len(shapeVars))
	if err != nil {
		return nil, err
	}
	weights, err := parseWeights(weightsArg, len(instances))
	if err != nil {
		return nil, err
	}
	if len(weights) != len(instances) {
		return nil, fmt.Errorf("%d weights for %d instances", len(weights), len(instances))
	}

	hw, err := loadHardware()
	if err != nil {
		return nil, err
	}
	return workload.NewTask(w, target, hw, shapeVars, instances, weights)
}
