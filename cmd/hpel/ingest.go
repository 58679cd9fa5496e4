package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/ipc"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/writer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/valyala/fastjson"
)

// fields of an ingested JSON line that map to record fields, the rest become extensions
var recordFields = map[string]bool{
	"time":       true,
	"timestamp":  true,
	"level":      true,
	"thread":     true,
	"logger":     true,
	"message":    true,
	"msg":        true,
	"stackTrace": true,
}

type ingestOptions struct {
	label      string
	serverName string
	controller string
	parent     string
	trace      bool
	strict     bool
}

func newIngestCommand(a *app) *cobra.Command {
	opts := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Write JSON lines read from stdin to a new instance",
		Long: "Reads one JSON object per line. time (millis or RFC3339), level, thread, logger and message\n" +
			"map to the record, every other field becomes an extension.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.ingest(cmd.Context(), cmd.InOrStdin(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records\n", n)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.label, "label", "", "Instance label, defaults to the pid")
	flags.StringVar(&opts.serverName, "server-name", a.cfg.Repository.ServerName, "Server name written to file headers")
	flags.StringVar(&opts.controller, "controller", "", "Address of a controlling process to delegate file creation and removal to")
	flags.StringVar(&opts.parent, "parent", "", "Instance of the controlling process to write into as a sub-process")
	flags.BoolVar(&opts.trace, "trace", a.cfg.Repository.Trace, "Write records less severe than INFO to the trace kind")
	flags.BoolVar(&opts.strict, "strict", false, "Fail on the first line that isn't a JSON object")

	return cmd
}

// streams are the writers of one ingest run.
type streams struct {
	log     *logrus.Logger
	writers []*writer.Writer
	clients []*ipc.Client
	trace   bool
}

func (s *streams) write(r *logrecord.Record) error {
	if s.trace && r.Level < logrecord.Info {
		return s.writers[1].Write(r)
	}
	return s.writers[0].Write(r)
}

func (s *streams) Close() error {
	var err error
	for _, w := range s.writers {
		if werr := w.Close(); err == nil {
			err = werr
		}
	}
	for _, c := range s.clients {
		if cerr := c.Close(); cerr != nil {
			s.log.Debugf("could not close controller connection: %v", cerr)
		}
	}
	return err
}

func (a *app) openStreams(o *ingestOptions) (*streams, error) {
	if (o.controller == "") != (o.parent == "") {
		return nil, errors.New("--controller and --parent must be given together")
	}

	var parent *instance
	if o.parent != "" {
		var err error
		if parent, err = a.findInstance(o.parent); err != nil {
			return nil, err
		}
	}

	kinds := []string{repository.LogKind}
	if o.trace {
		kinds = append(kinds, repository.TraceKind)
	}

	s := &streams{log: a.log, trace: o.trace}
	seq := writer.NewSequence()

	for _, kind := range kinds {
		opts := a.managerOptions(o.label)
		if parent != nil {
			dir := parent.log
			if kind == repository.TraceKind {
				dir = parent.trace
			}
			if dir == "" {
				_ = s.Close()
				return nil, errors.Errorf("instance %s has no %s directory", parent.id, kind)
			}
			c := ipc.NewClient(a.log, o.controller, ipc.RequestTimeout(a.cfg.IPC.RequestTimeout))
			s.clients = append(s.clients, c)
			opts = append(opts, repository.Parent(dir), repository.SubProcess(c))
		}

		m, err := repository.NewManager(a.log, a.kindDir(kind), opts...)
		if err != nil {
			_ = s.Close()
			return nil, err
		}

		s.writers = append(s.writers, writer.New(a.log, m, a.s,
			writer.WithSequence(seq),
			writer.Header(writer.RepositoryHeader(m, o.serverName)),
			writer.SyncInterval(a.cfg.Repository.SyncInterval)))
	}

	return s, nil
}

func (a *app) ingest(ctx context.Context, in io.Reader, o *ingestOptions) (int, error) {
	s, err := a.openStreams(o)
	if err != nil {
		return 0, err
	}

	var (
		p       fastjson.Parser
		n, line int
	)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 16<<20)

	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			break
		}
		if len(sc.Bytes()) == 0 {
			continue
		}

		v, err := p.ParseBytes(sc.Bytes())
		if err == nil && v.Type() != fastjson.TypeObject {
			err = errors.Errorf("expected an object, got %s", v.Type())
		}
		if err != nil {
			if o.strict {
				_ = s.Close()
				return n, errors.Wrapf(err, "line %d", line)
			}
			a.log.Warnf("skipping line %d: %v", line, err)
			continue
		}

		if err := s.write(jsonRecord(v)); err != nil {
			_ = s.Close()
			return n, err
		}
		n++
	}

	if err := sc.Err(); err != nil {
		_ = s.Close()
		return n, errors.Wrap(err, "could not read input")
	}

	return n, s.Close()
}

// jsonRecord converts a parsed JSON object to a record.
func jsonRecord(v *fastjson.Value) *logrecord.Record {
	r := &logrecord.Record{
		Time:    jsonTime(v),
		Level:   jsonLevel(v.Get("level")),
		Logger:  string(v.GetStringBytes("logger")),
		Message: string(v.GetStringBytes("message")),
	}

	if r.Message == "" {
		r.Message = string(v.GetStringBytes("msg"))
	}
	r.StackTrace = string(v.GetStringBytes("stackTrace"))

	if t := v.Get("thread"); t != nil {
		switch t.Type() {
		case fastjson.TypeNumber:
			r.ThreadID = int32(t.GetInt64())
		case fastjson.TypeString:
			if n, err := strconv.ParseInt(string(t.GetStringBytes()), 0, 64); err == nil {
				r.ThreadID = int32(n)
			}
		}
	}

	o := v.GetObject()
	o.Visit(func(key []byte, f *fastjson.Value) {
		k := string(key)
		if recordFields[k] {
			return
		}
		if r.Extensions == nil {
			r.Extensions = make(map[string]string)
		}
		if f.Type() == fastjson.TypeString {
			r.Extensions[k] = string(f.GetStringBytes())
			return
		}
		r.Extensions[k] = f.String()
	})

	return r
}

func jsonTime(v *fastjson.Value) int64 {
	for _, key := range []string{"time", "timestamp"} {
		t := v.Get(key)
		if t == nil {
			continue
		}

		switch t.Type() {
		case fastjson.TypeNumber:
			return t.GetInt64()
		case fastjson.TypeString:
			s := string(t.GetStringBytes())
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return logrecord.Millis(ts)
			}
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return ms
			}
		}
	}

	return logrecord.Millis(time.Now())
}

// jsonLevel accepts record level names and values as well as logrus level names.
func jsonLevel(v *fastjson.Value) logrecord.Level {
	if v == nil {
		return logrecord.Info
	}

	if v.Type() == fastjson.TypeNumber {
		return logrecord.Level(v.GetInt())
	}

	s := string(v.GetStringBytes())
	if lvl, err := logrecord.ParseLevel(s); err == nil {
		return lvl
	}
	if lvl, err := logrus.ParseLevel(s); err == nil {
		return writer.RecordLevel(lvl)
	}

	return logrecord.Info
}
