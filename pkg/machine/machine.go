// Package machine executes ZFS administrative commands on a local or remote
// host and translates their output and exit statuses into Go values. It
// never interprets the ZFS protocol beyond exit codes and a handful of
// well-known stderr substrings.
package machine

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"k8s.io/klog/v2"

	"github.com/fenio/zfs-sync/pkg/dataset"
)

// Machine identifies where commands run: the local host, or a remote host
// reached over ssh.
type Machine struct {
	host string // empty means local

	// run executes a prepared command and returns its stdout and stderr.
	// Tests inject a fake; nil means real execution.
	run runnerFunc
}

type runnerFunc func(cmd *exec.Cmd) (stdout, stderr []byte, err error)

// Local returns the local machine.
func Local() Machine { return Machine{} }

// Remote returns a machine reached via "ssh <host>".
func Remote(host string) Machine { return Machine{host: host} }

// IsLocal reports whether commands run on the local host.
func (m Machine) IsLocal() bool { return m.host == "" }

func (m Machine) String() string {
	if m.IsLocal() {
		return "localhost"
	}
	return m.host
}

// ParseSpec splits an address of the form [host:]dataset into the machine
// and the parsed dataset. An empty host (or no colon at all) means the
// local machine. A colon may appear at most once and only before any slash.
func ParseSpec(value string) (Machine, *dataset.Dataset, error) {
	colon := strings.IndexByte(value, ':')
	slash := strings.IndexByte(value, '/')
	if colon >= 0 && slash >= 0 && colon > slash {
		return Machine{}, nil, fmt.Errorf("%q: %w", value, dataset.ErrColonAfterSlash)
	}

	hostSpec, dsSpec := "", value
	if colon >= 0 {
		hostSpec, dsSpec = value[:colon], value[colon+1:]
	}
	if dsSpec == "" {
		return Machine{}, nil, fmt.Errorf("%q: %w", value, dataset.ErrZeroLengthAfterColon)
	}

	ds, err := dataset.Parse(dsSpec)
	if err != nil {
		return Machine{}, nil, err
	}
	if hostSpec == "" {
		return Local(), ds, nil
	}
	return Remote(hostSpec), ds, nil
}

// prepareCmd wraps a command line for execution on the machine. Local
// commands run under "sh -c"; remote commands are wrapped "ssh <host> --".
// The remote side always gets a shell from sshd no matter how the local
// side execs, so both paths uniformly carry a single shell string. The
// dataset parser's character whitelist keeps untrusted content out of it.
func (m Machine) prepareCmd(cmdline string) *exec.Cmd {
	if m.IsLocal() {
		return exec.Command("sh", "-c", cmdline)
	}
	return exec.Command("ssh", m.host, "--", cmdline)
}

// zfsCmdline assembles a zfs command line from an argument vector.
func zfsCmdline(args ...string) string {
	return shellquote.Join(append([]string{"zfs"}, args...)...)
}

// output runs a prepared command to completion, capturing stdout and
// stderr. A process that could not be spawned surfaces as ErrSubprocess; a
// nonzero exit comes back as the raw *exec.ExitError for the caller to map
// against stderr.
func (m Machine) output(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	if m.run != nil {
		return m.run(cmd)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	klog.V(2).Infof("running on %s: %s", m, strings.Join(cmd.Args, " "))
	err = cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, nil, fmt.Errorf("%w: %v", ErrSubprocess, err)
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// GetSnaps populates ds.Snaps from the machine, oldest first.
func (m Machine) GetSnaps(ds *dataset.Dataset) error {
	cmdline := zfsCmdline("list", "-Hp", "-o", "name,creation,guid,userrefs",
		"-t", "snapshot", "-d1", ds.Fullname())
	stdout, stderr, err := m.output(m.prepareCmd(cmdline))
	if err != nil {
		if classified := classifyListError(err, stderr); classified != nil {
			return classified
		}
		return err
	}

	snaps, err := parseSnapshotList(stdout)
	if err != nil {
		return fmt.Errorf("parsing snapshot listing of %q: %w", ds, err)
	}
	ds.Snaps = snaps
	return nil
}

func classifyListError(err error, stderr []byte) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil
	}
	switch {
	case bytes.HasSuffix(stderr, []byte("dataset does not exist\n")):
		return ErrNoDataset
	case bytes.HasPrefix(stderr, []byte("sh: ")):
		return ErrNoZFSRuntime
	default:
		return fmt.Errorf("%w: %s", ErrZFSCommand, stderr)
	}
}

// CreateSnapWithName takes a snapshot of ds named name, then refreshes
// ds.Snaps so the new snapshot is visible to the caller.
func (m Machine) CreateSnapWithName(ds *dataset.Dataset, name string) error {
	cmdline := zfsCmdline("snapshot", ds.Fullname()+"@"+name)
	_, stderr, err := m.output(m.prepareCmd(cmdline))
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		switch {
		case bytes.Contains(stderr, []byte("invalid character")):
			return ErrIllegalZFSName
		case bytes.Contains(stderr, []byte("dataset does not exist")):
			return ErrNoDataset
		case bytes.Contains(stderr, []byte("dataset already exists")):
			return ErrNameAlreadyInUse
		default:
			return fmt.Errorf("%w: %s", ErrZFSCommand, stderr)
		}
	}
	return m.GetSnaps(ds)
}

// CreateAncestors creates the dataset's parent chain with "zfs create -p".
// It panics when ds is a pool root, which has no ancestors to create.
func (m Machine) CreateAncestors(ds *dataset.Dataset) error {
	if ds.IsPoolRoot() {
		panic(fmt.Sprintf("machine: CreateAncestors called on pool root %q", ds))
	}
	fullname := ds.Fullname()
	dirname := fullname[:strings.LastIndexByte(fullname, '/')]
	cmdline := zfsCmdline("create", "-p", dirname)
	_, stderr, err := m.output(m.prepareCmd(cmdline))
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrZFSCommand, stderr)
	}
	return nil
}

// Destroy runs "zfs destroy -v <ds>@<arg>", where arg is a snapshot list
// argument as produced by the retention renderer (name, first%last, and
// comma-joined groups).
func (m Machine) Destroy(ds *dataset.Dataset, arg string) error {
	if arg == "" {
		return fmt.Errorf("%w: refusing to destroy with an empty snapshot argument", ErrZFSCommand)
	}
	cmdline := zfsCmdline("destroy", "-v", ds.Fullname()+"@"+arg)
	_, stderr, err := m.output(m.prepareCmd(cmdline))
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		if bytes.Contains(stderr, []byte("dataset does not exist")) {
			return ErrNoDataset
		}
		return fmt.Errorf("%w: %s", ErrZFSCommand, stderr)
	}
	return nil
}
