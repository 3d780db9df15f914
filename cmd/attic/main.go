// attic keeps the version history of attachments in a directory tree.
//
//	attic [--config attic.toml] [--root dir] put <document> <filename> <version> <file>
//	attic get <document> <filename> [version] [--out file]
//	attic log <document> <filename>
//	attic rm <document> <filename> [--must-exist]
//	attic ls
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
)

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()

	if err != nil {
		if !errors.Is(err, errUsage) {
			log.Errorf("attic: %s", err)
		}
		log.Sync()
		os.Exit(exitCode(err))
	}
	log.Sync()
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, store.ErrAbsent):
		return 3
	case errors.Is(err, store.ErrLockTimeout):
		return 4
	default:
		return 1
	}
}

type options struct {
	config    string
	root      string
	logLevel  string
	author    string
	comment   string
	out       string
	mustExist bool
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	flags := pflag.NewFlagSet("attic", pflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	flags.StringVarP(&opts.config, "config", "c", "", "TOML configuration file")
	flags.StringVar(&opts.root, "root", "", "archive root directory, overrides the config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.author, "author", currentUser(), "author recorded by put")
	flags.StringVar(&opts.comment, "comment", "", "comment recorded by put")
	flags.StringVarP(&opts.out, "out", "o", "", "file written by get instead of stdout")
	flags.BoolVar(&opts.mustExist, "must-exist", false, "make rm fail when nothing is recorded")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: attic [flags] put|get|log|rm|ls [<document> <filename> ...]")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %s", errUsage, err)
	}

	cfg, err := loadConfig(opts.config)
	if err != nil {
		return err
	}
	if opts.root != "" {
		cfg.Root = opts.root
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		flags.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
	if len(rest)-1 < cmd.minArgs || len(rest)-1 > cmd.maxArgs {
		return fmt.Errorf("%w: attic %s %s", errUsage, rest[0], cmd.args)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	return cmd.run(ctx, s, opts, rest[1:], stdout)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
