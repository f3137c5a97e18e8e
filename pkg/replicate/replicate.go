// Package replicate drives the full- or incremental-send pipeline that
// keeps two copies of a dataset in sync: it fetches both snapshot
// histories, classifies them, enforces the safety preconditions, and wires
// zfs send into zfs recv (optionally through a pv rate limiter), rendering
// progress from the sender's diagnostic stream.
package replicate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"k8s.io/klog/v2"

	"github.com/fenio/zfs-sync/pkg/dataset"
	"github.com/fenio/zfs-sync/pkg/machine"
	"github.com/fenio/zfs-sync/pkg/metrics"
	"github.com/fenio/zfs-sync/pkg/progress"
)

// Static errors for the orchestrator.
var (
	// ErrPrecondition is returned when a safety precondition blocks the
	// transfer before any data moves.
	ErrPrecondition = errors.New("replication precondition failed")

	// ErrStreamFailed is returned when the send/recv pipeline exits
	// nonzero; the wrapping error carries both exit statuses.
	ErrStreamFailed = errors.New("problem with the zfs-send|zfs-recv processes")

	// ErrAppBug is returned when a runtime invariant the orchestrator
	// relies on does not hold.
	ErrAppBug = errors.New("application bug")
)

// Opts configures a replication run. The zero value is the conservative
// default: incremental send with intervening snapshots, no rollback, no
// divergence, fail on a missing destination.
type Opts struct {
	// UseRollbackFlagOnRecv adds -F to zfs recv. May cause data loss.
	UseRollbackFlagOnRecv bool

	// AllowDivergentDestination proceeds even when the destination has
	// snapshots the source does not. May cause data loss.
	AllowDivergentDestination bool

	// InitNonexistentDestination bootstraps a missing destination with a
	// full send of the source's oldest snapshot.
	InitNonexistentDestination bool

	// SimpleIncremental sends only the endpoint delta (-i) instead of all
	// intervening snapshots (-I).
	SimpleIncremental bool

	// AppVerbose narrates the run on stderr.
	AppVerbose bool

	// TakeSnapNow, when non-empty, snapshots the source under this name
	// before sending.
	TakeSnapNow string

	// Ratelimit, when non-empty, throttles the stream through
	// "pv -q -L <Ratelimit>". Validated by the CLI.
	Ratelimit string

	// Metrics, when non-nil, records transfer counters.
	Metrics *metrics.Metrics

	// Stats, when non-nil, accumulates transfer totals across the run's
	// pipelines for the caller to report.
	Stats *Stats

	// ProgressOut overrides where progress bars are drawn. Nil means
	// stderr.
	ProgressOut io.Writer
}

// Stats aggregates what a run moved.
type Stats struct {
	BytesSent uint64
	ItemsSent uint64
	Duration  time.Duration
}

// Host is the slice of the machine adapter the orchestrator needs. It is
// satisfied by machine.Machine.
type Host interface {
	GetSnaps(ds *dataset.Dataset) error
	CreateSnapWithName(ds *dataset.Dataset, name string) error
	CreateAncestors(ds *dataset.Dataset) error
	SendFromTillNewest(ds *dataset.Dataset, s *dataset.Snap, simpleIncremental bool) *exec.Cmd
	FullSend(ds *dataset.Dataset, s *dataset.Snap) *exec.Cmd
	Recv(ds *dataset.Dataset, rollback bool) *exec.Cmd
	String() string
}

// Run synchronizes srcDS on srcHost into dstDS on dstHost and returns the
// user-facing success message. Every fatal error halts the run
// immediately; the only recovered error is a missing destination dataset,
// which downgrades into the full-send bootstrap when requested.
func Run(srcHost Host, srcDS *dataset.Dataset, dstHost Host, dstDS *dataset.Dataset, opts Opts) (string, error) {
	dstDS.AppendRelative(srcDS)

	if err := srcHost.GetSnaps(srcDS); err != nil {
		return "", fmt.Errorf("unable to get snapshots for %q: %w", addr(srcHost, srcDS), err)
	}
	dstExisted := true
	if err := dstHost.GetSnaps(dstDS); err != nil {
		if !errors.Is(err, machine.ErrNoDataset) {
			return "", fmt.Errorf("unable to get snapshots for %q: %w", addr(dstHost, dstDS), err)
		}
		dstExisted = false
	}

	if opts.AppVerbose {
		fmt.Fprintf(os.Stderr, "There are %d snapshot(s) in %q.\n", len(srcDS.Snaps), addr(srcHost, srcDS))
		if dstExisted {
			fmt.Fprintf(os.Stderr, "There are %d snapshot(s) in %q.\n", len(dstDS.Snaps), addr(dstHost, dstDS))
		} else {
			fmt.Fprintf(os.Stderr, "Dataset %q not found; continuing.\n", addr(dstHost, dstDS))
		}
	}

	if len(srcDS.Snaps) == 0 && opts.TakeSnapNow == "" {
		return "", fmt.Errorf("%w: dataset %q has no snapshots to send", ErrPrecondition, addr(srcHost, srcDS))
	}

	if !dstExisted {
		if !opts.InitNonexistentDestination {
			return "", fmt.Errorf("%w: dataset %q does not exist and full send (--init) not requested",
				ErrPrecondition, addr(dstHost, dstDS))
		}
		if err := initDestination(srcHost, srcDS, dstHost, dstDS, &opts); err != nil {
			return "", err
		}
	}

	mrcud, err := dataset.FindMRCUD(srcDS, dstDS)
	if err != nil {
		return "", err
	}

	proceed, doneMsg, err := bailDecision(mrcud, srcHost, srcDS, dstHost, dstDS, opts)
	if err != nil {
		return "", err
	}
	if !proceed {
		return doneMsg, nil
	}

	// Decouple the send base from the merge that produced it; the carried
	// value survives the snapshot refreshes below.
	mrc := mrcud.MRC
	klog.V(1).Infof("most recent common snapshot is %q", mrc.Name)

	if opts.TakeSnapNow != "" {
		fmt.Fprintf(os.Stderr, "Taking snapshot %q (requested by --take-snap-now).\n",
			addr(srcHost, srcDS)+"@"+opts.TakeSnapNow)
		if err := srcHost.CreateSnapWithName(srcDS, opts.TakeSnapNow); err != nil {
			return "", fmt.Errorf("failed to take snapshot (requested by --take-snap-now): %w", err)
		}
	}

	if opts.AppVerbose {
		if opts.SimpleIncremental {
			fmt.Fprintf(os.Stderr, "Now sending delta between %q and %q.\n", mrc.Name, srcDS.NewestSnap())
		} else {
			fmt.Fprintf(os.Stderr, "Now sending deltas of all intervening snapshots between %q and %q.\n",
				mrc.Name, srcDS.NewestSnap())
		}
	}

	sendCmd := srcHost.SendFromTillNewest(srcDS, &mrc, opts.SimpleIncremental)
	recvCmd := dstHost.Recv(dstDS, opts.UseRollbackFlagOnRecv)
	if err := runPipeline(sendCmd, recvCmd, opts); err != nil {
		return "", err
	}

	return fmt.Sprintf("Successfully synchronized %q to %q.", srcDS, dstDS), nil
}

// initDestination bootstraps a destination that does not exist yet: it
// creates the ancestor chain and full-sends the source's oldest snapshot.
// A take-snap-now request is honored before the full send, so the new
// snapshot rides along, and consumed from opts.
func initDestination(srcHost Host, srcDS *dataset.Dataset, dstHost Host, dstDS *dataset.Dataset, opts *Opts) error {
	if dstDS.IsPoolRoot() {
		return fmt.Errorf("%w: dataset %q does not exist and cannot be created via full send because it is top-level",
			ErrPrecondition, addr(dstHost, dstDS))
	}
	if opts.AppVerbose {
		fmt.Fprintf(os.Stderr, "Ensuring the ancestors of %q exist.\n", addr(dstHost, dstDS))
	}
	if err := dstHost.CreateAncestors(dstDS); err != nil {
		return fmt.Errorf("failed to create the ancestors of %q: %w", addr(dstHost, dstDS), err)
	}

	if opts.TakeSnapNow != "" {
		fmt.Fprintf(os.Stderr, "Taking snapshot %q (requested by --take-snap-now).\n",
			addr(srcHost, srcDS)+"@"+opts.TakeSnapNow)
		if err := srcHost.CreateSnapWithName(srcDS, opts.TakeSnapNow); err != nil {
			return fmt.Errorf("failed to take snapshot (requested by --take-snap-now): %w", err)
		}
		opts.TakeSnapNow = ""
	}

	if len(srcDS.Snaps) == 0 {
		return fmt.Errorf("%w: dataset %q has no snapshots to send", ErrPrecondition, addr(srcHost, srcDS))
	}

	sendCmd := srcHost.FullSend(srcDS, srcDS.OldestSnap())
	recvCmd := dstHost.Recv(dstDS, opts.UseRollbackFlagOnRecv)
	if err := runPipeline(sendCmd, recvCmd, *opts); err != nil {
		return err
	}
	if opts.AppVerbose {
		fmt.Fprintf(os.Stderr, "Full-send of %q successful.\n",
			addr(srcHost, srcDS)+"@"+srcDS.OldestSnap().Name)
	}

	if err := dstHost.GetSnaps(dstDS); err != nil {
		return fmt.Errorf("%w: no snapshots in destination after successful full send: %v", ErrAppBug, err)
	}
	return nil
}

// bailDecision evaluates the classification against the options. It
// returns proceed=false with a message when the run is already done, an
// error when it must not continue, and proceed=true otherwise.
func bailDecision(m dataset.MRCUD, srcHost Host, srcDS *dataset.Dataset, dstHost Host, dstDS *dataset.Dataset, opts Opts) (proceed bool, doneMsg string, err error) {
	src, dst := addr(srcHost, srcDS), addr(dstHost, dstDS)
	takeSnap := opts.TakeSnapNow != ""

	switch m.Kind {
	case dataset.NoneInCommon:
		return false, "", fmt.Errorf("%w: datasets %q and %q have no snapshots in common",
			ErrPrecondition, src, dst)

	case dataset.UpToDate:
		if !takeSnap {
			return false, fmt.Sprintf("Nothing to do: datasets %q and %q are already up-to-date at snapshot %q.",
				src, dst, m.MRC.Name), nil
		}
		return true, "", nil

	case dataset.DestinationHasMore:
		if !takeSnap {
			return false, "", fmt.Errorf("%w: source dataset %q's most recent snapshot, %q, is also found in destination dataset %q, but there are additional, newer snapshots at the destination.\nHint: perhaps you meant to send from %q to %q?",
				ErrPrecondition, src, m.MRC.Name, dst, dst, src)
		}
		if !opts.AllowDivergentDestination {
			return false, "", fmt.Errorf("%w: datasets %q and %q would diverge after taking snapshot %q and --allow-divergent-destination not given",
				ErrPrecondition, src, dst, opts.TakeSnapNow)
		}
		return true, "", nil

	case dataset.Divergence:
		if !opts.AllowDivergentDestination {
			return false, "", fmt.Errorf("%w: datasets %q and %q diverge after %q and --allow-divergent-destination not given",
				ErrPrecondition, src, dst, m.MRC.Name)
		}
		return true, "", nil

	case dataset.SourceHasMore:
		return true, "", nil

	default:
		return false, "", fmt.Errorf("%w: unknown classification %v", ErrAppBug, m.Kind)
	}
}

// runPipeline spawns the send/recv pair (with an optional pv stage in the
// middle), renders progress from the sender's stderr until EOF, then
// collects every child's exit status. The stream payload flows kernel to
// kernel; this process only reads the diagnostic side channel.
func runPipeline(sendCmd, recvCmd *exec.Cmd, opts Opts) error {
	start := time.Now()

	sendStderr, err := sendCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to set up source-side send process: %w", err)
	}
	sendStdout, err := sendCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to set up source-side send process: %w", err)
	}
	if err := sendCmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn source-side send process: %w", err)
	}

	// Spawn-then-connect: the sender is running, now hand its stdout to
	// the next stage before that stage starts.
	var pvCmd *exec.Cmd
	stream := io.Reader(sendStdout)
	if opts.Ratelimit != "" {
		pvCmd = exec.Command("pv", "-q", "-L", opts.Ratelimit)
		pvCmd.Stdin = stream
		pvStdout, err := pvCmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to set up rate-limiter process: %w", err)
		}
		if err := pvCmd.Start(); err != nil {
			// The sender is already running; reap it before bailing.
			_ = sendCmd.Process.Kill()
			_ = sendCmd.Wait()
			return fmt.Errorf("failed to spawn rate-limiter process: %w", err)
		}
		stream = pvStdout
	}

	recvCmd.Stdin = stream
	if err := recvCmd.Start(); err != nil {
		_ = sendCmd.Process.Kill()
		_ = sendCmd.Wait()
		if pvCmd != nil {
			_ = pvCmd.Process.Kill()
			_ = pvCmd.Wait()
		}
		return fmt.Errorf("failed to spawn destination-side recv process: %w", err)
	}

	progressOut := opts.ProgressOut
	if progressOut == nil {
		progressOut = os.Stderr
	}
	renderer := progress.NewRenderer(progressOut)
	renderErr := renderer.Run(sendStderr)

	// Collect every child unconditionally to avoid zombies, source first,
	// then receiver, then the rate limiter.
	sendErr := sendCmd.Wait()
	recvErr := recvCmd.Wait()
	if pvCmd != nil {
		if pvErr := pvCmd.Wait(); pvErr != nil {
			klog.Warningf("rate-limiter process: %v", pvErr)
		}
	}

	if sendErr != nil || recvErr != nil {
		return fmt.Errorf("%w: exit status: send %s, recv %s",
			ErrStreamFailed, statusString(sendErr), statusString(recvErr))
	}
	if renderErr != nil {
		klog.Warningf("progress stream: %v", renderErr)
	}

	if opts.Metrics != nil {
		opts.Metrics.BytesSent.Add(float64(renderer.BytesDone))
		opts.Metrics.ItemsSent.Add(float64(renderer.ItemsTotal))
		opts.Metrics.StreamSeconds.Set(time.Since(start).Seconds())
	}
	if opts.Stats != nil {
		opts.Stats.BytesSent += renderer.BytesDone
		opts.Stats.ItemsSent += renderer.ItemsTotal
		opts.Stats.Duration += time.Since(start)
	}
	return nil
}

func statusString(err error) string {
	if err == nil {
		return "success"
	}
	return err.Error()
}

// addr renders "host:dataset" the way the user wrote it.
func addr(h Host, ds *dataset.Dataset) string {
	return h.String() + ":" + ds.Fullname()
}
