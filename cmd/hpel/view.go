package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/export"
	"github.com/ryansann/hpel/pkg/format"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/reader"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/spf13/cobra"
)

const defaultMonitorInterval = "5s"

// dateLayouts are the accepted --start-date and --stop-date layouts, in local time unless a zone is given.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

type viewOptions struct {
	instance        string
	latest          bool
	startDate       string
	stopDate        string
	level           string
	minLevel        string
	maxLevel        string
	includeLoggers  string
	excludeLoggers  string
	thread          string
	message         string
	excludeMessages string
	extensions      string
	format          string
	out             string
	compress        bool
	extract         string
	monitor         string
	recover         bool
}

func newViewCommand(a *app) *cobra.Command {
	opts := &viewOptions{}

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print, export or follow the records of the repository",
		Long: "Prints the records of every instance in the repository, merging log and trace by sequence.\n" +
			"Records can be filtered, written to a file, extracted into a new repository, or followed while they are written.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.view(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.instance, "instance", "", "Instance to show: directory name or start millis, with /child for a sub-process")
	flags.BoolVar(&opts.latest, "latest-instance", false, "Show only the most recent instance")
	flags.StringVar(&opts.startDate, "start-date", "", "Show records at or after this date (RFC3339, 2006-01-02 15:04:05, 2006-01-02 or millis)")
	flags.StringVar(&opts.stopDate, "stop-date", "", "Show records at or before this date")
	flags.StringVar(&opts.level, "level", "", "Show records of exactly this level")
	flags.StringVar(&opts.minLevel, "min-level", "", "Show records of this level or more severe")
	flags.StringVar(&opts.maxLevel, "max-level", "", "Show records of this level or less severe")
	flags.StringVar(&opts.includeLoggers, "include-loggers", "", "Comma separated logger patterns to show, * matches any text")
	flags.StringVar(&opts.excludeLoggers, "exclude-loggers", "", "Comma separated logger patterns to hide")
	flags.StringVar(&opts.thread, "thread", "", "Hexadecimal thread id to show")
	flags.StringVar(&opts.message, "message", "", "Message pattern to show, * matches any text")
	flags.StringVar(&opts.excludeMessages, "exclude-messages", "", "Comma separated message patterns to hide")
	flags.StringVar(&opts.extensions, "include-extensions", "", "Comma separated key=value extensions records must carry")
	flags.StringVar(&opts.format, "format", string(format.Basic), "Output format: basic, advanced or json")
	flags.StringVar(&opts.out, "out", "", "Write to this file instead of stdout")
	flags.BoolVar(&opts.compress, "compress", false, "zstd compress the output")
	flags.StringVar(&opts.extract, "extract-to-new-repository", "", "Copy matching records into a new repository at this directory")
	flags.StringVar(&opts.monitor, "monitor", "", "Keep following the instance, checking for new records at this interval")
	flags.Lookup("monitor").NoOptDefVal = defaultMonitorInterval
	flags.BoolVar(&opts.recover, "recover", false, "Skip corrupt records instead of failing")

	return cmd
}

// filter builds the record filter from the flags.
func (o *viewOptions) filter() (reader.Filter, error) {
	var (
		f   reader.Filter
		err error
	)

	if o.startDate != "" {
		if f.Start, err = parseDate(o.startDate); err != nil {
			return f, err
		}
	}
	if o.stopDate != "" {
		if f.Stop, err = parseDate(o.stopDate); err != nil {
			return f, err
		}
	}

	if o.level != "" {
		if o.minLevel != "" || o.maxLevel != "" {
			return f, errors.New("--level can't be combined with --min-level or --max-level")
		}
		lvl, err := logrecord.ParseLevel(o.level)
		if err != nil {
			return f, err
		}
		f.MinLevel, f.MaxLevel = lvl, lvl
	}
	if o.minLevel != "" {
		if f.MinLevel, err = logrecord.ParseLevel(o.minLevel); err != nil {
			return f, err
		}
	}
	if o.maxLevel != "" {
		if f.MaxLevel, err = logrecord.ParseLevel(o.maxLevel); err != nil {
			return f, err
		}
	}

	if o.thread != "" {
		id, err := reader.ParseThread(o.thread)
		if err != nil {
			return f, err
		}
		f.Thread = &id
	}

	f.IncludeLoggers = reader.ParseList(o.includeLoggers)
	f.ExcludeLoggers = reader.ParseList(o.excludeLoggers)
	f.Message = o.message
	f.ExcludeMessages = reader.ParseList(o.excludeMessages)
	if f.Extensions, err = reader.ParseExtensions(o.extensions); err != nil {
		return f, err
	}

	return f, nil
}

func parseDate(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, errors.Errorf("invalid date %q", s)
}

func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		s = strconv.Itoa(n) + "s"
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("invalid monitor interval %q", s)
	}
	return d, nil
}

// open returns the merged log and trace records of inst.
// open merges the log and trace records of inst. With fromEnd set only
// records written after the current last ones are returned.
func (a *app) open(rd *reader.Reader, inst *instance, f reader.Filter, fromEnd bool) (*reader.Merged, error) {
	var (
		log, trace reader.Records
		err        error
	)

	openDir := func(dir string) (*reader.Iterator, error) {
		var after *repository.Pointer
		if fromEnd {
			if after, err = rd.End(dir); err != nil {
				return nil, err
			}
		}
		return rd.Open(dir, f, after)
	}

	if inst.log != "" {
		if log, err = openDir(inst.log); err != nil {
			return nil, err
		}
	}
	if inst.trace != "" {
		if trace, err = openDir(inst.trace); err != nil {
			if log != nil {
				_ = log.Close()
			}
			return nil, err
		}
	}

	return reader.Merge(log, trace), nil
}

func (a *app) view(ctx context.Context, stdout io.Writer, o *viewOptions) error {
	f, err := o.filter()
	if err != nil {
		return err
	}

	var instances []*instance
	switch {
	case o.instance != "":
		inst, err := a.findInstance(o.instance)
		if err != nil {
			return err
		}
		instances = append(instances, inst)
	case o.latest || o.monitor != "":
		inst, err := a.latestInstance()
		if err != nil {
			return err
		}
		if inst == nil {
			return errors.Errorf("no instances in %s", a.cfg.Repository.Root)
		}
		instances = append(instances, inst)
	default:
		if instances, err = a.listInstances(); err != nil {
			return err
		}
	}

	rd := reader.New(a.log, a.s, reader.Recover(o.recover))

	if o.extract != "" {
		if o.monitor != "" {
			return errors.New("--monitor can't be combined with --extract-to-new-repository")
		}
		return a.extract(rd, instances, f, o.extract, stdout)
	}

	kind, err := format.ParseKind(o.format)
	if err != nil {
		return err
	}
	pool, err := format.NewPool(1, kind, time.Local)
	if err != nil {
		return err
	}

	w := stdout
	if o.out != "" {
		file, err := os.Create(o.out)
		if err != nil {
			return errors.Wrapf(err, "could not create %s", o.out)
		}
		defer file.Close()
		w = file
	}

	tw, err := export.NewTextWriter(a.log, w, pool, export.Compress(o.compress))
	if err != nil {
		return err
	}

	if o.monitor != "" {
		interval, err := parseInterval(o.monitor)
		if err != nil {
			return err
		}
		err = a.monitor(ctx, rd, tw, instances[0], f, interval, o.instance == "")
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		return err
	}

	for _, inst := range instances {
		src, err := a.open(rd, inst, f, false)
		if err != nil {
			_ = tw.Close()
			return err
		}

		for src.Next() {
			if err := tw.Write(src.Record(), src.Header()); err != nil {
				_ = src.Close()
				_ = tw.Close()
				return err
			}
		}
		err = src.Err()
		_ = src.Close()
		if err != nil {
			_ = tw.Close()
			return err
		}
	}

	a.log.Debugf("printed %d records", tw.Count())

	return tw.Close()
}

func (a *app) extract(rd *reader.Reader, instances []*instance, f reader.Filter, dir string, stdout io.Writer) error {
	total := 0
	for _, inst := range instances {
		src, err := a.open(rd, inst, f, false)
		if err != nil {
			return err
		}

		n, err := export.ToRepository(a.log, src, dir, a.s, export.ManagerOptions(a.limitOptions()...))
		_ = src.Close()
		if err != nil {
			return err
		}
		total += n
	}

	fmt.Fprintf(stdout, "extracted %d records to %s\n", total, dir)

	return nil
}

// monitor follows inst until ctx is cancelled. Without a start time it begins
// behind the records already written. With latest set it moves on to each
// newer instance as it appears, reading those from their first record.
func (a *app) monitor(ctx context.Context, rd *reader.Reader, tw *export.TextWriter, inst *instance, f reader.Filter, interval time.Duration, latest bool) error {
	fromEnd := f.Start.IsZero()
	for {
		src, err := a.open(rd, inst, f, fromEnd)
		if err != nil {
			return err
		}
		fromEnd = false
		a.log.Infof("following instance %s", inst.id)

		opts := []reader.FollowOption{reader.PollInterval(interval)}
		if latest {
			opts = append(opts, reader.Until(reader.NewerInstance(inst.dirs()[0])))
		}

		fctx, cancel := context.WithCancel(ctx)
		out := make(chan reader.Entry, 64)
		errc := make(chan error, 1)

		go func() {
			errc <- reader.Follow(fctx, a.log, src, inst.dirs(), out, opts...)
			close(out)
		}()

		var werr error
		for e := range out {
			if werr != nil {
				continue
			}
			if werr = tw.Write(e.Record, e.Header); werr == nil && len(out) == 0 {
				werr = tw.Flush()
			}
			if werr != nil {
				cancel()
			}
		}

		err = <-errc
		cancel()
		done := src.Done()
		_ = src.Close()

		switch {
		case werr != nil:
			return werr
		case err != nil:
			return err
		case ctx.Err() != nil, !latest, done:
			return nil
		}

		next, err := a.latestInstance()
		if err != nil {
			return err
		}
		if next == nil || next.id == inst.id {
			return nil
		}

		a.log.Infof("instance %s started", next.id)
		inst = next
	}
}
