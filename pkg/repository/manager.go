// Package repository manages the files of a log repository: when to start a new
// file, which old files to remove, and how to find files again by time.
//
// A repository root holds one directory per kind (log and trace). Each kind holds
// one directory per process instance, named <start-millis>_<label>, and every
// instance directory holds files named <millis>.wbl where millis is the time of
// the first record written to the file. Sub-process instances are nested in the
// directory of their parent.
package repository

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by a Manager after Stop.
var ErrStopped = errors.New("repository manager stopped")

// Listener is told about files the manager starts and removes.
type Listener interface {
	// OnRoll is called after newPath became the active file, oldPath is "" for the first file.
	OnRoll(oldPath, newPath string)
	// OnDelete is called after path was removed.
	OnDelete(path string)
}

// SubProcessCommunication proxies file creation and removal to a controlling
// process, which serializes them for every process sharing the repository.
type SubProcessCommunication interface {
	// RequestNewFile asks for a new empty file in dir and returns its path.
	RequestNewFile(dir string) (string, error)
	// RemoveFiles asks the controller to free space, it reports whether any file was removed.
	RemoveFiles(dir string) (bool, error)
}

// Option is func that modifies the manager's configuration options.
type Option func(*options)

type options struct {
	maxFileBytes       int64
	maxRepositoryBytes int64
	retentionAge       time.Duration
	rollover           time.Duration
	label              string
	parent             string
	listener           Listener
	comm               SubProcessCommunication
	now                func() time.Time
}

// MaxFileBytes sets the size a file may reach before the manager starts a new one.
func MaxFileBytes(n int64) Option {
	return func(opts *options) {
		opts.maxFileBytes = n
	}
}

// MaxRepositoryBytes bounds the total size of the files of the kind, 0 means unlimited.
func MaxRepositoryBytes(n int64) Option {
	return func(opts *options) {
		opts.maxRepositoryBytes = n
	}
}

// RetentionAge removes files not written to for longer than age, 0 means forever.
func RetentionAge(age time.Duration) Option {
	return func(opts *options) {
		opts.retentionAge = age
	}
}

// RolloverInterval starts a new file once the active one is older than d, 0 rotates on size only.
func RolloverInterval(d time.Duration) Option {
	return func(opts *options) {
		opts.rollover = d
	}
}

// Label overrides the instance label, which defaults to the process id.
func Label(label string) Option {
	return func(opts *options) {
		opts.label = label
	}
}

// Parent makes the instance a sub-process instance nested in the parent instance directory.
func Parent(dir string) Option {
	return func(opts *options) {
		opts.parent = dir
	}
}

// WithListener registers l for roll and delete events.
func WithListener(l Listener) Option {
	return func(opts *options) {
		opts.listener = l
	}
}

// SubProcess routes file creation and removal through comm.
func SubProcess(comm SubProcessCommunication) Option {
	return func(opts *options) {
		opts.comm = comm
	}
}

// Clock overrides the time source.
func Clock(now func() time.Time) Option {
	return func(opts *options) {
		opts.now = now
	}
}

// Manager decides when a writer starts a new file and removes old files.
// Its decisions are synchronous with the writer's calls so rotation can't race.
type Manager struct {
	log *logrus.Logger
	cfg options

	// baseDir is the kind directory holding every instance
	baseDir string
	// dir is the instance directory new files are created in
	dir string

	// mtx guards active, activeTs, lastTs, stopped and sub
	mtx      sync.Mutex
	active   string
	activeTs int64
	lastTs   int64
	stopped  bool
	// sub maps a sub-process directory to the last file created for it
	sub      map[string]string
}

// NewManager returns a Manager for a new instance in baseDir.
// It accepts options for overriding default behavior.
func NewManager(log *logrus.Logger, baseDir string, opts ...Option) (*Manager, error) {
	cfg, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	path, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get absolute path for dir: %s", baseDir)
	}

	parent := path
	if cfg.parent != "" {
		if parent, err = filepath.Abs(cfg.parent); err != nil {
			return nil, errors.Wrapf(err, "could not get absolute path for dir: %s", cfg.parent)
		}
		if !within(path, parent) {
			return nil, errors.Errorf("parent instance %s is outside of %s", parent, path)
		}
	}

	dir := filepath.Join(parent, InstanceName(cfg.now().UnixMilli(), cfg.label))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "could not create dir: %s", dir)
	}

	log.Debugf("repository instance directory: %s", dir)

	return &Manager{
		log:     log,
		cfg:     cfg,
		baseDir: path,
		dir:     dir,
		lastTs:  -1,
		sub:     make(map[string]string),
	}, nil
}

func newOptions(opts []Option) (options, error) {
	// default configuration
	cfg := options{
		maxFileBytes: 20 << 20,
		label:        strconv.Itoa(os.Getpid()),
		now:          time.Now,
	}

	// override defaults
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.maxFileBytes <= 0 {
		return cfg, errors.Errorf("max file bytes must be positive, got %d", cfg.maxFileBytes)
	}
	if cfg.maxRepositoryBytes > 0 && cfg.maxRepositoryBytes < cfg.maxFileBytes {
		return cfg, errors.Errorf("max repository bytes %d is smaller than max file bytes %d", cfg.maxRepositoryBytes, cfg.maxFileBytes)
	}

	return cfg, nil
}

// Directory returns the instance directory.
func (m *Manager) Directory() string {
	return m.dir
}

// BaseDir returns the directory holding every instance of the kind.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// MaxFileBytes returns the size at which files are rotated.
func (m *Manager) MaxFileBytes() int64 {
	return m.cfg.maxFileBytes
}

// IsSubProcess reports whether the instance is nested in a parent instance.
func (m *Manager) IsSubProcess() bool {
	return m.cfg.parent != "" || m.cfg.comm != nil
}

// Label returns the label of the instance.
func (m *Manager) Label() string {
	_, label, _ := ParseInstance(m.dir)
	return label
}

// ActiveFile returns the path of the file currently written, or "".
func (m *Manager) ActiveFile() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.active
}

// CheckForNewFile is called by the writer before each write with total, the size
// the active file would have after the write, and the record's timestamp.
// It returns a new file to continue with, or nil to keep writing the active one.
func (m *Manager) CheckForNewFile(total int64, timestamp int64) (*os.File, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}

	if !m.needsNewFile(total, timestamp) {
		return nil, nil
	}

	if m.cfg.comm == nil {
		if err := m.enforceRetention(); err != nil {
			// a failed retention sweep must not stop logging
			m.log.Errorf("could not enforce retention in %s: %v", m.baseDir, err)
		}
	}

	f, err := m.createFile(timestamp)
	if err != nil {
		return nil, err
	}

	old := m.active
	m.active = f.Name()
	m.activeTs = LogFileTimestamp(m.active)
	m.lastTs = m.activeTs

	if old == "" {
		m.log.Debugf("started file %s", m.active)
	} else {
		m.log.Debugf("file %s full, rolled to %s", old, m.active)
	}

	if m.cfg.listener != nil {
		m.cfg.listener.OnRoll(old, m.active)
	}

	return f, nil
}

func (m *Manager) needsNewFile(total int64, timestamp int64) bool {
	switch {
	case m.active == "":
		return true
	case total > m.cfg.maxFileBytes:
		return true
	case m.cfg.rollover > 0 && timestamp-m.activeTs >= m.cfg.rollover.Milliseconds():
		return true
	default:
		return false
	}
}

// createFile creates the next file of the instance, named after timestamp or,
// if the clock went backwards, after the previous file.
func (m *Manager) createFile(timestamp int64) (*os.File, error) {
	if m.cfg.comm != nil {
		path, err := m.cfg.comm.RequestNewFile(m.dir)
		if err != nil {
			return nil, errors.Wrap(err, "controlling process could not create a new file")
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open file created by controlling process: %s", path)
		}
		return f, nil
	}

	ts := timestamp
	if ts <= m.lastTs {
		ts = m.lastTs + 1
	}

	return createIn(m.dir, ts)
}

// createIn creates a file in dir named after the first free timestamp at or after ts.
func createIn(dir string, ts int64) (*os.File, error) {
	for attempt := 0; attempt < 100; attempt++ {
		path := filepath.Join(dir, FileName(ts+int64(attempt)))

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "could not create file: %s", path)
		}
	}

	return nil, errors.Errorf("could not find a free file name in %s after %d", dir, ts)
}

// CreateFileFor creates a new file in dir on behalf of a sub-process and returns its path.
// dir must be inside the manager's base directory.
func (m *Manager) CreateFileFor(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "could not get absolute path for dir: %s", dir)
	}
	if !within(m.baseDir, dir) || dir == m.baseDir {
		return "", errors.Errorf("dir %s is outside of %s", dir, m.baseDir)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.stopped {
		return "", ErrStopped
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", errors.Wrapf(err, "could not create dir: %s", dir)
	}

	ts := m.cfg.now().UnixMilli()
	last, err := NewBrowser(dir).Last()
	if err != nil {
		return "", err
	}
	if lts := LogFileTimestamp(last); last != "" && ts <= lts {
		ts = lts + 1
	}

	f, err := createIn(dir, ts)
	if err != nil {
		return "", err
	}
	defer f.Close()

	m.sub[dir] = f.Name()
	m.log.Debugf("created file %s for sub-process", f.Name())

	return f.Name(), nil
}

// isActive reports whether path is being written, by this instance or a sub-process.
// m.mtx must be held.
func (m *Manager) isActive(path string) bool {
	if path == m.active {
		return true
	}
	return m.sub[filepath.Dir(path)] == path
}

// Stop ends the instance, later calls to CheckForNewFile fail.
func (m *Manager) Stop() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.stopped = true
	m.active = ""
}

// within reports whether path is root or inside it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
