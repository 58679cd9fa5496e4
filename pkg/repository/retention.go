package repository

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// fileInfo is a repository file found while sweeping the kind directory.
type fileInfo struct {
	path    string
	ts      int64
	size    int64
	modTime time.Time
}

// PurgeOldFiles removes the oldest files of the kind to recover from an out of
// space condition. It removes files until at least MaxFileBytes were freed, but
// never the newest file nor one being written, and reports whether any file was removed.
func (m *Manager) PurgeOldFiles() (bool, error) {
	if m.cfg.comm != nil {
		removed, err := m.cfg.comm.RemoveFiles(m.dir)
		if err != nil {
			return false, errors.Wrap(err, "controlling process could not remove files")
		}
		return removed, nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.purge(m.cfg.maxFileBytes)
}

// RemoveFilesFor frees space on behalf of the sub-process writing to dir.
func (m *Manager) RemoveFilesFor(dir string) (bool, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return false, errors.Wrapf(err, "could not get absolute path for dir: %s", dir)
	}
	if !within(m.baseDir, dir) {
		return false, errors.Errorf("dir %s is outside of %s", dir, m.baseDir)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.purge(m.cfg.maxFileBytes)
}

// Janitor returns a Manager that maintains baseDir without starting an instance.
// Only PurgeOldFiles and EnforceRetention are meaningful on it.
func Janitor(log *logrus.Logger, baseDir string, opts ...Option) (*Manager, error) {
	cfg, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	path, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get absolute path for dir: %s", baseDir)
	}

	return &Manager{
		log:     log,
		cfg:     cfg,
		baseDir: path,
		dir:     path,
		lastTs:  -1,
		stopped: true,
	}, nil
}

// EnforceRetention applies the size and age limits to the kind directory.
func (m *Manager) EnforceRetention() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.enforceRetention()
}

func (m *Manager) purge(want int64) (bool, error) {
	unlock, err := lockDir(m.baseDir)
	if err != nil {
		return false, err
	}
	defer unlock()

	files, err := m.sweep()
	if err != nil {
		return false, err
	}

	if len(files) < 2 {
		m.log.Debugf("nothing to purge in %s", m.baseDir)
		return false, nil
	}

	var freed int64
	removed := 0

	// the newest file always survives
	for _, f := range files[:len(files)-1] {
		if freed >= want {
			break
		}
		if m.isActive(f.path) {
			continue
		}

		if err := m.remove(f); err != nil {
			return removed > 0, err
		}
		freed += f.size
		removed++
	}

	m.log.Infof("purged %d files, %d bytes freed in %s", removed, freed, m.baseDir)

	return removed > 0, nil
}

// enforceRetention removes the oldest files while the kind exceeds its size
// budget, leaving room for one new file, then the files older than the
// retention age. Files being written are never removed.
func (m *Manager) enforceRetention() error {
	if m.cfg.maxRepositoryBytes <= 0 && m.cfg.retentionAge <= 0 {
		return nil
	}

	unlock, err := lockDir(m.baseDir)
	if err != nil {
		return err
	}
	defer unlock()

	files, err := m.sweep()
	if err != nil {
		return err
	}

	keep := files[:0]

	if m.cfg.maxRepositoryBytes > 0 {
		var total int64
		for _, f := range files {
			total += f.size
		}

		limit := m.cfg.maxRepositoryBytes - m.cfg.maxFileBytes
		for _, f := range files {
			if total <= limit || m.isActive(f.path) {
				keep = append(keep, f)
				continue
			}
			if err := m.remove(f); err != nil {
				return err
			}
			total -= f.size
		}
		files = keep
	}

	if m.cfg.retentionAge > 0 {
		cutoff := m.cfg.now().Add(-m.cfg.retentionAge)
		for _, f := range files {
			if m.isActive(f.path) || !f.modTime.Before(cutoff) {
				continue
			}
			if err := m.remove(f); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) remove(f fileInfo) error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "could not remove file: %s", f.path)
	}

	m.log.Debugf("removed file %s", f.path)

	if m.cfg.listener != nil {
		m.cfg.listener.OnDelete(f.path)
	}

	// instance directories of earlier runs go away with their last file
	dir := filepath.Dir(f.path)
	if dir != m.dir && dir != m.baseDir && !within(dir, m.dir) {
		if err := os.Remove(dir); err == nil {
			m.log.Debugf("removed empty instance dir %s", dir)
		}
	}

	return nil
}

// sweep lists every repository file under the kind directory, oldest first.
func (m *Manager) sweep() ([]fileInfo, error) {
	var files []fileInfo

	err := filepath.WalkDir(m.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		ts := LogFileTimestamp(path)
		if ts < 0 {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		files = append(files, fileInfo{path: path, ts: ts, size: fi.Size(), modTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not walk dir: %s", m.baseDir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ts != files[j].ts {
			return files[i].ts < files[j].ts
		}
		return files[i].path < files[j].path
	})

	return files, nil
}
