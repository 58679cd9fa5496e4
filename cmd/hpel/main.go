package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/config"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app holds what every command shares.
type app struct {
	cfg config.Config
	log *logrus.Logger
	s   *serializer.Serializer
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	s, err := serializer.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	a := &app{cfg: cfg, log: cfg.Log.NewLogger(), s: s}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// newRootCommand constructs the hpel command and its subcommands.
func newRootCommand(a *app) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "hpel",
		Short:        "Write, browse and export binary log repositories",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if logLevel == "" {
				return nil
			}
			lvl, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrap(err, "invalid --log-level")
			}
			a.log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.cfg.Repository.Root, "repository", "r", a.cfg.Repository.Root, "Repository root holding the logdata and tracedata directories")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Level of the tool's own logging (panic, fatal, error, warn, info, debug, trace)")

	root.AddCommand(
		newViewCommand(a),
		newInstancesCommand(a),
		newIngestCommand(a),
		newServeCommand(a),
		newPurgeCommand(a),
	)

	return root
}

// kindDir returns the directory of a repository kind.
func (a *app) kindDir(kind string) string {
	return filepath.Join(a.cfg.Repository.Root, kind)
}

// managerOptions returns the manager options configured for writing an instance labeled label.
func (a *app) managerOptions(label string) []repository.Option {
	if label == "" {
		label = a.cfg.Repository.Label
	}
	return append([]repository.Option{repository.Label(label)}, a.limitOptions()...)
}

// limitOptions returns the configured size, age and rollover limits.
func (a *app) limitOptions() []repository.Option {
	opts := []repository.Option{
		repository.MaxFileBytes(a.cfg.Repository.MaxFileBytes),
	}
	if a.cfg.Repository.MaxRepositoryBytes > 0 {
		opts = append(opts, repository.MaxRepositoryBytes(a.cfg.Repository.MaxRepositoryBytes))
	}
	if a.cfg.Repository.RetentionAge > 0 {
		opts = append(opts, repository.RetentionAge(a.cfg.Repository.RetentionAge))
	}
	if a.cfg.Repository.RolloverInterval > 0 {
		opts = append(opts, repository.RolloverInterval(a.cfg.Repository.RolloverInterval))
	}

	return opts
}
