package machine

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/fenio/zfs-sync/pkg/dataset"
)

// SendFromTillNewest builds the incremental send of everything between
// snapshot s (exclusive) and the newest snapshot of ds. With
// simpleIncremental the stream carries only the endpoint delta (-i);
// otherwise it includes all intervening snapshots (-I). The caller wires
// stdout into the receiving side and consumes stderr for progress.
//
// It panics when s already is the newest snapshot; sending a zero-length
// increment is a caller bug.
func (m Machine) SendFromTillNewest(ds *dataset.Dataset, s *dataset.Snap, simpleIncremental bool) *exec.Cmd {
	newest := ds.NewestSnap()
	if s.Equal(*newest) {
		panic(fmt.Sprintf("machine: incremental send from %q to itself on %q", s, ds))
	}
	incrFlag := "-cpLeI"
	if simpleIncremental {
		incrFlag = "-cpLei"
	}
	cmdline := zfsCmdline("send", "-vP", incrFlag,
		"@"+s.Name, ds.Fullname()+"@"+newest.Name)
	return m.prepareCmd(cmdline)
}

// FullSend builds the full send of a single snapshot of ds. The caller
// wires stdout into the receiving side and consumes stderr for progress.
func (m Machine) FullSend(ds *dataset.Dataset, s *dataset.Snap) *exec.Cmd {
	cmdline := zfsCmdline("send", "-vP", "-cpLe", ds.Fullname()+"@"+s.Name)
	return m.prepareCmd(cmdline)
}

// Recv builds the receiving side of a replication stream. The stream is
// received resumably (-s); rollback adds -F, allowing the destination to be
// rolled back to accept it. Stdout is discarded and stderr passes through
// to the operator; the caller attaches the stream to stdin.
func (m Machine) Recv(ds *dataset.Dataset, rollback bool) *exec.Cmd {
	args := []string{"recv", "-s"}
	if rollback {
		args = append(args, "-F")
	}
	args = append(args, ds.Fullname())
	cmd := m.prepareCmd(zfsCmdline(args...))
	cmd.Stdout = nil // discard
	cmd.Stderr = os.Stderr
	return cmd
}
