package reader

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/ridge/parallel"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/sirupsen/logrus"
)

// Entry is a record delivered by Follow.
type Entry struct {
	Record  *logrecord.Record
	Pointer repository.Pointer
	Header  logrecord.Header
}

// FollowOption is func that modifies how Follow waits for records.
type FollowOption func(*followOptions)

type followOptions struct {
	interval time.Duration
	until    func() (bool, error)
}

// PollInterval sets how often the repository is checked when no change notification arrives.
func PollInterval(d time.Duration) FollowOption {
	return func(opts *followOptions) {
		opts.interval = d
	}
}

// Until ends following once the source is drained and done reports true.
func Until(done func() (bool, error)) FollowOption {
	return func(opts *followOptions) {
		opts.until = done
	}
}

// Follow delivers the records of src on out as they are written to the
// directories in dirs, until ctx is cancelled, the source passes the stop time
// of its filter, or the Until condition holds. It does not close src or out.
func Follow(ctx context.Context, log *logrus.Logger, src Records, dirs []string, out chan<- Entry, opts ...FollowOption) error {
	cfg := followOptions{
		interval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create watcher")
	}
	defer w.Close()

	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			// polling still picks up changes
			log.Debugf("could not watch %s, polling every %v: %v", dir, cfg.interval, err)
		}
	}

	wake := make(chan struct{}, 1)

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("watcher", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-w.Events:
					if !ok {
						return nil
					}
					if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || repository.LogFileTimestamp(ev.Name) < 0 {
						continue
					}
					select {
					case wake <- struct{}{}:
					default:
					}
				case err, ok := <-w.Errors:
					if !ok {
						return nil
					}
					log.Warnf("watch error, falling back to polling: %v", err)
				}
			}
		})

		spawn("reader", parallel.Exit, func(ctx context.Context) error {
			ticker := time.NewTicker(cfg.interval)
			defer ticker.Stop()

			for {
				for src.Next() {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case out <- Entry{Record: src.Record(), Pointer: src.Pointer(), Header: src.Header()}:
					}
				}
				if err := src.Err(); err != nil {
					return err
				}

				if d, ok := src.(interface{ Done() bool }); ok && d.Done() {
					return nil
				}
				if cfg.until != nil {
					done, err := cfg.until()
					if err != nil {
						return err
					}
					if done {
						// a last pass for records written before the condition held
						for src.Next() {
							select {
							case <-ctx.Done():
								return ctx.Err()
							case out <- Entry{Record: src.Record(), Pointer: src.Pointer(), Header: src.Header()}:
							}
						}
						return src.Err()
					}
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-wake:
				case <-ticker.C:
				}
			}
		})

		return nil
	})

	if ctx.Err() != nil {
		return nil
	}

	return err
}

// NewerInstance returns a condition for Until that holds once an instance
// started after the one in instanceDir appears next to it.
func NewerInstance(instanceDir string) func() (bool, error) {
	start := repository.InstanceTimestamp(instanceDir)
	parent := filepath.Dir(instanceDir)

	return func() (bool, error) {
		latest, err := repository.LatestInstance(parent)
		if err != nil || latest == nil {
			return false, err
		}
		return latest.Start > start, nil
	}
}
