// Command finetune trains the hierarchical filing regressor and evaluates it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/0xcro3dile/filing-finetune/internal/app"
	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/platform/config"
)

// Exit codes.
const (
	exitOK       = 0
	exitRun      = 1
	exitConfig   = 3
	exitData     = 4
	exitCanceled = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// .env never overrides variables already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}

	fset := flag.NewFlagSet("finetune", flag.ContinueOnError)
	var (
		flagConfig    = fset.String("config", "", "JSON config file; FINETUNE_CONFIG_JSON is used when empty")
		flagDoTrain   = fset.Bool("do-train", false, "run training")
		flagDoEval    = fset.Bool("do-eval", false, "run evaluation on the val split")
		flagLocalRank = fset.Int("local-rank", -1, "process rank; -1 when not distributed")
		flagRestore   = fset.Bool("restore", true, "resume from the latest checkpoint")
	)
	if err := fset.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "environment: %v\n", err)
		return exitConfig
	}
	// Flags win over file and environment, but only when given.
	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "do-train":
			cfg.DoTrain = *flagDoTrain
		case "do-eval":
			cfg.DoEval = *flagDoEval
		case "local-rank":
			cfg.LocalRank = *flagLocalRank
		case "restore":
			cfg.Restore = *flagRestore
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return exitConfig
	}
	defer a.Close()

	res, err := a.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return exitCanceled
	case errors.Is(err, entities.ErrDataIntegrity), errors.Is(err, entities.ErrEmptyDataset):
		fmt.Fprintf(os.Stderr, "data: %v\n", err)
		return exitData
	default:
		fmt.Fprintf(os.Stderr, "run %s failed: %v\n", a.RunID(), err)
		return exitRun
	}

	if cfg.DoTrain {
		fmt.Printf("global_step = %d, average loss = %g\n", res.GlobalStep, res.AverageLoss)
	}
	if loss, ok := res.Eval["loss"]; ok {
		fmt.Printf("eval loss = %g\n", loss)
	}
	return exitOK
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadJSON(path, nil)
	}
	if raw := os.Getenv("FINETUNE_CONFIG_JSON"); raw != "" {
		return config.LoadJSON("", []byte(raw))
	}
	return config.Defaults(), nil
}
