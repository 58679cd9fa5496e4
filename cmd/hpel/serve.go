package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/ridge/parallel"
	"github.com/ryansann/hpel/pkg/ipc"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/writer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	label      string
	serverName string
	addr       string
	trace      bool
}

func newServeCommand(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an instance and serve file requests of sub-processes",
		Long: "Starts a new instance whose own log lines go to the repository and accepts file creation and\n" +
			"removal requests from sub-processes started with ingest --controller.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), opts, func(addr string, inst []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
				for _, dir := range inst {
					fmt.Fprintf(cmd.OutOrStdout(), "writing to %s\n", dir)
				}
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.label, "label", "", "Instance label, defaults to the pid")
	flags.StringVar(&opts.serverName, "server-name", a.cfg.Repository.ServerName, "Server name written to file headers")
	flags.StringVar(&opts.addr, "addr", a.cfg.IPC.Addr, "Address to accept sub-process requests on")
	flags.BoolVar(&opts.trace, "trace", a.cfg.Repository.Trace, "Also write debug and trace lines to the trace kind")

	return cmd
}

// kindController dispatches sub-process requests to the manager owning the directory.
type kindController []*repository.Manager

func (kc kindController) manager(dir string) (*repository.Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get absolute path for dir: %s", dir)
	}
	for _, m := range kc {
		if strings.HasPrefix(abs, m.BaseDir()+string(filepath.Separator)) {
			return m, nil
		}
	}
	return nil, errors.Errorf("dir %s is not in the repository", dir)
}

func (kc kindController) CreateFileFor(dir string) (string, error) {
	m, err := kc.manager(dir)
	if err != nil {
		return "", err
	}
	return m.CreateFileFor(dir)
}

func (kc kindController) RemoveFilesFor(dir string) (bool, error) {
	m, err := kc.manager(dir)
	if err != nil {
		return false, err
	}
	return m.RemoveFilesFor(dir)
}

// serve writes the tool's own log to a new instance and serves sub-processes
// until ctx is cancelled. ready is called with the listen address and the
// instance directories once requests are accepted.
func (a *app) serve(ctx context.Context, o *serveOptions, ready func(addr string, dirs []string)) error {
	kinds := []string{repository.LogKind}
	if o.trace {
		kinds = append(kinds, repository.TraceKind)
	}

	// logrus fires hooks holding the logger's lock, so what the hook calls
	// logs elsewhere
	quiet := logrus.New()
	quiet.SetOutput(a.log.Out)
	quiet.SetLevel(logrus.WarnLevel)
	quiet.SetFormatter(a.log.Formatter)

	var (
		ctrl    kindController
		writers []*writer.Writer
		dirs    []string
	)
	closeAll := func() error {
		var err error
		for _, w := range writers {
			if werr := w.Close(); err == nil {
				err = werr
			}
		}
		return err
	}

	seq := writer.NewSequence()
	for _, kind := range kinds {
		m, err := repository.NewManager(quiet, a.kindDir(kind), a.managerOptions(o.label)...)
		if err != nil {
			_ = closeAll()
			return err
		}
		ctrl = append(ctrl, m)
		dirs = append(dirs, m.Directory())
		writers = append(writers, writer.New(quiet, m, a.s,
			writer.WithSequence(seq),
			writer.Header(writer.RepositoryHeader(m, o.serverName)),
			writer.SyncInterval(a.cfg.Repository.SyncInterval)))
	}

	var trace *writer.Writer
	if len(writers) > 1 {
		trace = writers[1]
	}
	a.log.AddHook(writer.NewHook(writers[0], trace))

	srv, err := ipc.NewServer(a.log, ctrl,
		ipc.Addr(o.addr),
		ipc.ReadTimeout(a.cfg.IPC.ReadTimeout),
		ipc.ShutdownTimeout(a.cfg.IPC.ShutdownTimeout))
	if err != nil {
		_ = closeAll()
		return err
	}
	if err := srv.Listen(); err != nil {
		_ = closeAll()
		return err
	}

	a.log.Infof("instance %s started, serving sub-processes on %s", filepath.Base(dirs[0]), srv.Addr())
	if ready != nil {
		ready(srv.Addr(), dirs)
	}

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Exit, func(ctx context.Context) error {
			if err := srv.Serve(); err != nil && !errors.Is(err, ipc.ErrServerClosed) {
				return err
			}
			return nil
		})
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			<-ctx.Done()
			return srv.Close()
		})
		return nil
	})

	a.log.Info("instance stopped")
	a.log.ReplaceHooks(make(logrus.LevelHooks))

	if cerr := closeAll(); err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
