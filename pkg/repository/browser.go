package repository

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Browser navigates the files of one instance directory by timestamp.
// Nothing is cached: every call lists the directory again, so a Browser never
// goes stale while a writer rotates or a manager purges files.
type Browser struct {
	dir string
}

// NewBrowser returns a Browser over dir.
func NewBrowser(dir string) *Browser {
	return &Browser{dir: dir}
}

// Dir returns the browsed directory.
func (b *Browser) Dir() string {
	return b.dir
}

// Files returns the paths of the repository files in dir ordered by timestamp.
// Names not following the naming convention are ignored.
func (b *Browser) Files() ([]string, error) {
	return listFiles(b.dir)
}

// First returns the oldest file, or "" if there is none.
func (b *Browser) First() (string, error) {
	files, err := b.Files()
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[0], nil
}

// Last returns the newest file, or "" if there is none.
func (b *Browser) Last() (string, error) {
	files, err := b.Files()
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

// FindByTimestamp returns the file that holds records written at ts: the newest
// file started at or before ts, or the oldest file if ts precedes them all.
func (b *Browser) FindByTimestamp(ts int64) (string, error) {
	files, err := b.Files()
	if err != nil || len(files) == 0 {
		return "", err
	}

	// index of the first file started after ts
	i := sort.Search(len(files), func(i int) bool {
		return LogFileTimestamp(files[i]) > ts
	})
	if i == 0 {
		return files[0], nil
	}

	return files[i-1], nil
}

// FindByPointer returns the file p refers to if it still exists, otherwise the
// file holding records written at the pointer's time.
func (b *Browser) FindByPointer(p Pointer) (string, error) {
	if p.File != "" {
		if _, err := os.Stat(p.File); err == nil {
			return p.File, nil
		}
	}

	return b.FindByTimestamp(p.Time)
}

// FindNext returns the file following cur, or the first file if cur is "".
// It returns "" when there is none or, with timeLimit >= 0, when the next file
// only holds records written after timeLimit.
func (b *Browser) FindNext(cur string, timeLimit int64) (string, error) {
	files, err := b.Files()
	if err != nil || len(files) == 0 {
		return "", err
	}

	next := files[0]
	if cur != "" {
		ts := LogFileTimestamp(cur)
		i := sort.Search(len(files), func(i int) bool {
			return LogFileTimestamp(files[i]) > ts
		})
		if i == len(files) {
			return "", nil
		}
		next = files[i]
	}

	if timeLimit >= 0 && LogFileTimestamp(next) > timeLimit {
		return "", nil
	}

	return next, nil
}

// FindPrev returns the file preceding cur, or the last file if cur is "".
// It returns "" when there is none or, with timeLimit >= 0, when cur started
// before timeLimit so that no earlier file can hold records at or after it.
func (b *Browser) FindPrev(cur string, timeLimit int64) (string, error) {
	files, err := b.Files()
	if err != nil || len(files) == 0 {
		return "", err
	}

	if cur == "" {
		return files[len(files)-1], nil
	}

	ts := LogFileTimestamp(cur)
	if timeLimit >= 0 && ts < timeLimit {
		return "", nil
	}

	// index of the first file at or after cur
	i := sort.Search(len(files), func(i int) bool {
		return LogFileTimestamp(files[i]) >= ts
	})
	if i == 0 {
		return "", nil
	}

	return files[i-1], nil
}

// Count returns the number of files from first to last inclusive. An empty
// first counts from the oldest file, an empty last up to the newest.
func (b *Browser) Count(first, last string) (int, error) {
	files, err := b.Files()
	if err != nil {
		return 0, err
	}

	lo, hi := int64(-1), int64(-1)
	if first != "" {
		lo = LogFileTimestamp(first)
	}
	if last != "" {
		hi = LogFileTimestamp(last)
	}

	n := 0
	for _, f := range files {
		ts := LogFileTimestamp(f)
		if first != "" && ts < lo {
			continue
		}
		if last != "" && ts > hi {
			break
		}
		n++
	}

	return n, nil
}

// listFiles returns the repository files directly in dir ordered by timestamp.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not list dir: %s", dir)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || LogFileTimestamp(e.Name()) < 0 {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}

	sort.Slice(files, func(i, j int) bool {
		return LogFileTimestamp(files[i]) < LogFileTimestamp(files[j])
	})

	return files, nil
}
