package repository

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Instance is the directory written by one process run. Sub-processes write
// to child instances nested in their parent's directory.
type Instance struct {
	Dir      string
	Start    int64
	Label    string
	Children []Instance
}

// Name returns the directory name of the instance.
func (i Instance) Name() string {
	return filepath.Base(i.Dir)
}

// Latest returns the most recently started child, or nil.
func (i Instance) Latest() *Instance {
	if len(i.Children) == 0 {
		return nil
	}
	return &i.Children[len(i.Children)-1]
}

// Instances lists the instance directories of baseDir ordered by start time,
// each with its sub-process children.
func Instances(baseDir string) ([]Instance, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not list dir: %s", baseDir)
	}

	var instances []Instance
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		start, label, ok := ParseInstance(e.Name())
		if !ok {
			continue
		}

		dir := filepath.Join(baseDir, e.Name())
		children, err := Instances(dir)
		if err != nil {
			return nil, err
		}

		instances = append(instances, Instance{
			Dir:      dir,
			Start:    start,
			Label:    label,
			Children: children,
		})
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Start != instances[j].Start {
			return instances[i].Start < instances[j].Start
		}
		return instances[i].Label < instances[j].Label
	})

	return instances, nil
}

// LatestInstance returns the most recently started top level instance of baseDir, or nil.
func LatestInstance(baseDir string) (*Instance, error) {
	instances, err := Instances(baseDir)
	if err != nil || len(instances) == 0 {
		return nil, err
	}
	return &instances[len(instances)-1], nil
}

// FindInstance returns the top level instance started at start, or the child with
// the given label inside it when child is not empty. It returns nil if there is none.
func FindInstance(baseDir string, start int64, child string) (*Instance, error) {
	instances, err := Instances(baseDir)
	if err != nil {
		return nil, err
	}

	for i := range instances {
		if instances[i].Start != start {
			continue
		}
		if child == "" {
			return &instances[i], nil
		}
		for j := range instances[i].Children {
			if instances[i].Children[j].Label == child {
				return &instances[i].Children[j], nil
			}
		}
	}

	return nil, nil
}
