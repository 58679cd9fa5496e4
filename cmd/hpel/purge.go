package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/spf13/cobra"
)

type purgeOptions struct {
	free     bool
	instance string
}

func newPurgeCommand(a *app) *cobra.Command {
	opts := &purgeOptions{}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Apply the retention limits to the repository",
		Long: "Removes the oldest files while a kind exceeds HPEL_REPOSITORY_MAX_BYTES and the files older than\n" +
			"HPEL_REPOSITORY_RETENTION_AGE. With --free it removes the oldest files until a file's worth of space was freed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.purge(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&a.cfg.Repository.MaxRepositoryBytes, "max-bytes", a.cfg.Repository.MaxRepositoryBytes, "Largest size of each kind in bytes, 0 for no limit")
	flags.DurationVar(&a.cfg.Repository.RetentionAge, "retention-age", a.cfg.Repository.RetentionAge, "Remove files older than this, 0 to keep them")
	flags.BoolVar(&opts.free, "free", false, "Remove the oldest files until at least the max file size was freed")
	flags.StringVar(&opts.instance, "instance", "", "Free space for this instance only, as a controller would for a sub-process")

	return cmd
}

func (a *app) purge(stdout io.Writer, o *purgeOptions) error {
	if o.instance != "" {
		inst, err := a.findInstance(o.instance)
		if err != nil {
			return err
		}
		return a.freeFor(stdout, inst)
	}

	for _, kind := range []string{repository.LogKind, repository.TraceKind} {
		dir := a.kindDir(kind)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		j, err := repository.Janitor(a.log, dir, a.limitOptions()...)
		if err != nil {
			return err
		}

		if !o.free {
			if err := j.EnforceRetention(); err != nil {
				return err
			}
			continue
		}

		removed, err := j.PurgeOldFiles()
		if err != nil {
			return err
		}
		printRemoved(stdout, kind, removed)
	}

	return nil
}

// freeFor removes old files on behalf of an instance the way a controller serves a sub-process.
func (a *app) freeFor(stdout io.Writer, inst *instance) error {
	for _, kind := range []string{repository.LogKind, repository.TraceKind} {
		dir := inst.log
		if kind == repository.TraceKind {
			dir = inst.trace
		}
		if dir == "" {
			continue
		}

		j, err := repository.Janitor(a.log, a.kindDir(kind), a.limitOptions()...)
		if err != nil {
			return err
		}

		removed, err := j.RemoveFilesFor(dir)
		if err != nil {
			return errors.Wrapf(err, "could not free space for %s", inst.id)
		}
		printRemoved(stdout, kind, removed)
	}

	return nil
}

func printRemoved(w io.Writer, kind string, removed bool) {
	if removed {
		fmt.Fprintf(w, "%s: removed old files\n", kind)
		return
	}
	fmt.Fprintf(w, "%s: nothing to remove\n", kind)
}
