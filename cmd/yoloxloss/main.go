// yoloxloss evaluates the YOLOX loss on a recorded batch of head outputs and
// prints the per-image assignment statistics and the loss terms.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-yolox/loss"
)

func main() {
	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	parser := argparse.NewParser("yoloxloss", "Compute YOLOX loss terms for a recorded batch")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Loss config (YAML)", Required: false})
	batchFile := parser.String("b", "batch", &argparse.Options{Help: "Batch fixture (YAML)", Required: true})
	numClasses := parser.Int("n", "classes", &argparse.Options{Help: "Number of classes, when no config is given", Required: false, Default: 80})
	workers := parser.Int("w", "workers", &argparse.Options{Help: "Worker goroutines (0 keeps the config value)", Required: false, Default: 0})
	useL1 := parser.Flag("", "l1", &argparse.Options{Help: "Enable the L1 term"})
	if err := parser.Parse(os.Args); err != nil {
		logger.Errorf("%v", parser.Usage(err))
		os.Exit(1)
	}

	cfg := loss.DefaultConfig(*numClasses)
	if *configFile != "" {
		cfg, err = loss.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
	}
	if *workers > 0 {
		cfg.NumWorkers = *workers
	}
	if *useL1 {
		cfg.UseL1 = true
	}

	batch, err := loadBatch(*batchFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	out, gts, err := batch.headOutputs()
	if err != nil {
		logger.Errorf("Invalid batch: %v", err)
		os.Exit(1)
	}

	agg, err := loss.New(cfg, loss.WithLogger(logger))
	if err != nil {
		logger.Errorf("Failed to create loss: %v", err)
		os.Exit(1)
	}
	res, err := agg.Compute(out, gts)
	if err != nil {
		logger.Errorf("Loss computation failed: %v", err)
		os.Exit(1)
	}

	printResult(res)
}

func printResult(res *loss.Result) {
	fmt.Printf("%-6s %-6s %-10s %-9s %-9s %s\n", "image", "gt", "candidates", "positives", "conflicts", "time")
	for _, s := range res.Images {
		fmt.Printf("%-6d %-6d %-10d %-9d %-9d %v\n", s.Index, s.NumGroundTruth, s.Candidates, s.Positives, s.Conflicts, s.Duration)
	}
	fmt.Printf("\ntotal positives: %d\n", res.TotalPositives)

	terms := make([]string, 0, len(res.Terms))
	for t := range res.Terms {
		terms = append(terms, string(t))
	}
	sort.Strings(terms)
	for _, t := range terms {
		fmt.Printf("%-15s %.6f\n", t, res.Terms[loss.Term(t)])
	}
	fmt.Printf("%-15s %.6f\n", "total", res.Total())
}
