package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/pflag"

	"timerjob/internal/app"
	"timerjob/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath string
		check   bool
		next    int
	)
	flagSet := pflag.NewFlagSet("timerjob", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./timerjob.yaml", "path to config (yaml or json)")
	flagSet.BoolVar(&check, "check", false, "validate the config, print planned firings and exit")
	flagSet.IntVar(&next, "next", 3, "number of planned firings per job printed by --check")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if check {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		return app.Check(os.Stdout, cfg, nil, time.Now(), next)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `timerjob runs the jobs declared in its config file on their schedules
and reloads the file when it changes.

Usage:
  timerjob [flags]

Examples:
  # Run as a daemon
  timerjob --config /etc/timerjob/timerjob.yaml

  # Show the next five firings of every job without running anything
  timerjob --config ./timerjob.yaml --check --next 5

Flags:
%s`, flagSet.FlagUsages())
}
