package ipc

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type commandType int

const (
	newFile commandType = iota
	purge
	quit
)

var commands = map[commandType]string{
	newFile: "NEW",
	purge:   "PURGE",
	quit:    "QUIT",
}

// Response prefixes.
const (
	okReply  = "OK"
	errReply = "ERR"
)

// noID stands in for the request id in replies to lines that could not be parsed.
const noID = "-"

// Controller performs file creation and removal for sub-processes.
// *repository.Manager implements it.
type Controller interface {
	CreateFileFor(dir string) (string, error)
	RemoveFilesFor(dir string) (bool, error)
}

type command struct {
	op  commandType
	id  string
	dir string
}

// parseCommand accepts the line as input and returns a command object or an error if it could not parse the line.
// The directory is the rest of the line so it may contain spaces.
func parseCommand(line string) (*command, error) {
	cmps := strings.SplitN(strings.TrimRight(line, "\r"), " ", 3)
	if len(cmps) < 1 || cmps[0] == "" {
		return nil, errors.New("command must have an operation")
	}

	cmd := &command{}
	switch strings.ToUpper(cmps[0]) {
	case commands[newFile]:
		cmd.op = newFile
	case commands[purge]:
		cmd.op = purge
	case commands[quit]:
		cmd.op = quit
		if len(cmps) != 1 {
			return nil, errors.New("QUIT command should not have any arguments")
		}
		return cmd, nil
	default:
		return nil, errors.Errorf("unrecognized operation %q", cmps[0])
	}

	if len(cmps) != 3 || cmps[1] == "" || cmps[2] == "" {
		return nil, errors.Errorf("%s command requires an id and a directory", commands[cmd.op])
	}
	cmd.id = cmps[1]
	cmd.dir = cmps[2]

	return cmd, nil
}

// execute runs the command against the controller and returns the reply line without its newline.
func (cmd *command) execute(c chan struct{}, ctrl Controller) (string, error) {
	switch cmd.op {
	case newFile:
		path, err := ctrl.CreateFileFor(cmd.dir)
		if err != nil {
			return "", err
		}
		return reply(okReply, cmd.id, path), nil
	case purge:
		removed, err := ctrl.RemoveFilesFor(cmd.dir)
		if err != nil {
			return "", err
		}
		return reply(okReply, cmd.id, strconv.FormatBool(removed)), nil
	case quit:
		close(c)
		return "", nil
	default:
		return "", errors.New("did not execute")
	}
}

func reply(status, id, msg string) string {
	// replies are single lines
	msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
	return status + " " + id + " " + msg
}

// parseReply splits a reply line into its status, id and message.
func parseReply(line string) (status, id, msg string, err error) {
	cmps := strings.SplitN(strings.TrimRight(line, "\r"), " ", 3)
	if len(cmps) != 3 {
		return "", "", "", errors.Errorf("malformed reply %q", line)
	}
	if cmps[0] != okReply && cmps[0] != errReply {
		return "", "", "", errors.Errorf("unexpected reply status %q", cmps[0])
	}
	return cmps[0], cmps[1], cmps[2], nil
}
