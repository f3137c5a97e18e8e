package machine

import "errors"

// Static errors for ZFS command execution. Callers classify with errors.Is;
// the returned errors wrap these sentinels together with context about the
// operation that failed.
var (
	// ErrNoDataset is returned when the target dataset does not exist.
	ErrNoDataset = errors.New("no such dataset")

	// ErrIllegalZFSName is returned when ZFS rejects a snapshot name.
	ErrIllegalZFSName = errors.New("invalid character in snapshot name")

	// ErrNameAlreadyInUse is returned when a snapshot name is taken.
	ErrNameAlreadyInUse = errors.New("the name is already in use")

	// ErrNoZFSRuntime is returned when the zfs command cannot be found on
	// the target machine. Hint: is ZFS installed there, and are you root?
	ErrNoZFSRuntime = errors.New("zfs administrative commands not in PATH")

	// ErrSubprocess is returned when a child process cannot be spawned at
	// all, as opposed to running and failing.
	ErrSubprocess = errors.New("failed to spawn command")

	// ErrZFSCommand is returned for any other nonzero ZFS exit status; the
	// wrapping error carries the command's stderr verbatim.
	ErrZFSCommand = errors.New("zfs command execution error")
)
