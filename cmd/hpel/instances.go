package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/format"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/spf13/cobra"
)

// instance is a process run with its log and trace directories, either may be empty.
type instance struct {
	id       string
	start    int64
	log      string
	trace    string
	children []*instance
}

func (i *instance) dirs() []string {
	var dirs []string
	for _, d := range []string{i.log, i.trace} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// listInstances joins the instances of both kinds by directory name.
func (a *app) listInstances() ([]*instance, error) {
	byID := make(map[string]*instance)

	var add func(parent *instance, list []repository.Instance, trace bool) []*instance
	add = func(parent *instance, list []repository.Instance, trace bool) []*instance {
		var added []*instance
		for _, ri := range list {
			id := ri.Name()
			if parent != nil {
				id = parent.id + "/" + id
			}

			inst, ok := byID[id]
			if !ok {
				inst = &instance{id: id, start: ri.Start}
				byID[id] = inst
				added = append(added, inst)
				if parent != nil {
					parent.children = append(parent.children, inst)
				}
			}

			if trace {
				inst.trace = ri.Dir
			} else {
				inst.log = ri.Dir
			}

			add(inst, ri.Children, trace)
		}
		return added
	}

	var top []*instance
	for _, kind := range []string{repository.LogKind, repository.TraceKind} {
		list, err := repository.Instances(a.kindDir(kind))
		if err != nil {
			return nil, err
		}
		top = append(top, add(nil, list, kind == repository.TraceKind)...)
	}

	sort.Slice(top, func(i, j int) bool {
		if top[i].start != top[j].start {
			return top[i].start < top[j].start
		}
		return top[i].id < top[j].id
	})
	for _, inst := range byID {
		children := inst.children
		sort.Slice(children, func(i, j int) bool { return children[i].start < children[j].start })
	}

	return top, nil
}

// findInstance resolves an instance id: a directory name, its start time in
// millis, or either of them followed by /child for a sub-process instance.
func (a *app) findInstance(id string) (*instance, error) {
	list, err := a.listInstances()
	if err != nil {
		return nil, err
	}

	parts := strings.Split(strings.Trim(id, "/"), "/")
	var found *instance
	for _, part := range parts {
		found = matchInstance(list, part)
		if found == nil {
			return nil, errors.Errorf("no instance %q in %s", id, a.cfg.Repository.Root)
		}
		list = found.children
	}

	return found, nil
}

func matchInstance(list []*instance, part string) *instance {
	ms, err := strconv.ParseInt(part, 10, 64)
	for _, inst := range list {
		name := inst.id[strings.LastIndexByte(inst.id, '/')+1:]
		if name == part || (err == nil && inst.start == ms) {
			return inst
		}
		if _, label, ok := repository.ParseInstance(name); ok && label == part {
			return inst
		}
	}
	return nil
}

// latestInstance returns the most recently started top level instance, or nil.
func (a *app) latestInstance() (*instance, error) {
	list, err := a.listInstances()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[len(list)-1], nil
}

func newInstancesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List the process instances of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.listInstances()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no instances in %s\n", a.cfg.Repository.Root)
				return nil
			}
			printInstances(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func printInstances(w io.Writer, list []*instance) {
	width := len("Instance ID")
	var walk func(list []*instance)
	walk = func(list []*instance) {
		for _, inst := range list {
			if len(inst.id) > width {
				width = len(inst.id)
			}
			walk(inst.children)
		}
	}
	walk(list)

	fmt.Fprintf(w, "%-*s  %s\n", width, "Instance ID", "Start Date")

	var show func(list []*instance)
	show = func(list []*instance) {
		for _, inst := range list {
			fmt.Fprintf(w, "%-*s  %s\n", width, inst.id, time.UnixMilli(inst.start).Format(format.TimeLayout))
			show(inst.children)
		}
	}
	show(list)
}
