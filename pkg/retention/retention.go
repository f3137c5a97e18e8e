// Package retention tags snapshots for keeping or deletion according to a
// criterion and renders the compact snapshot-list argument that zfs destroy
// accepts.
package retention

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/fenio/zfs-sync/pkg/dataset"
	"github.com/fenio/zfs-sync/pkg/metrics"
)

// Host is the slice of the machine adapter that retention needs. It is
// satisfied by machine.Machine.
type Host interface {
	GetSnaps(ds *dataset.Dataset) error
	Destroy(ds *dataset.Dataset, arg string) error
}

// Opts configures how a retention policy is applied.
type Opts struct {
	// Now anchors the age calculation of the default criterion. Leave zero
	// to use the wall clock; tests inject a fixed instant.
	Now time.Time

	// KeepUnusual spares snapshots whose name does not match the canonical
	// YYYY-MM-DD pattern.
	KeepUnusual bool

	// RunDirectly executes the destroy command instead of printing it for
	// manual review.
	RunDirectly bool

	// Metrics, when non-nil, counts the snapshots destroyed by a direct
	// run.
	Metrics *metrics.Metrics
}

// Criterion decides whether a snapshot is kept. A true verdict means KEEP.
type Criterion func(s *dataset.Snap) bool

// TaggedSnap pairs a snapshot with its keep-verdict.
type TaggedSnap struct {
	Snap *dataset.Snap
	Keep bool
}

// canonicalName matches the snapshot names produced by routine date-named
// snapshotting.
var canonicalName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// sundayWindow is how long Sunday snapshots stay protected.
const sundayWindow = 180 * 24 * time.Hour

// DefaultCriterion keeps a snapshot iff it was taken on a Sunday less than
// 180 days before now, or it carries user holds, or (with keepUnusual) its
// name is not of the canonical YYYY-MM-DD form.
func DefaultCriterion(now time.Time, keepUnusual bool) Criterion {
	return func(s *dataset.Snap) bool {
		if s.Creation.Weekday() == time.Sunday && now.Sub(s.Creation) < sundayWindow {
			return true
		}
		if s.Holds > 0 {
			return true
		}
		if keepUnusual && !canonicalName.MatchString(s.Name) {
			return true
		}
		return false
	}
}

// Tag walks the dataset's snapshot history and pairs every snapshot with
// the criterion's verdict, preserving order.
func Tag(ds *dataset.Dataset, keep Criterion) []TaggedSnap {
	tagged := make([]TaggedSnap, 0, len(ds.Snaps))
	for i := range ds.Snaps {
		s := &ds.Snaps[i]
		tagged = append(tagged, TaggedSnap{Snap: s, Keep: keep(s)})
	}
	return tagged
}

// RenderDestroyArgument renders the snapshots tagged for deletion into the
// compact argument zfs destroy accepts after "<dataset>@": consecutive
// deletions collapse to "first%last", a lone deletion prints its name, and
// groups join with a comma plus an escaped line break for readability.
func RenderDestroyArgument(tagged []TaggedSnap) string {
	var groups []string
	for i := 0; i < len(tagged); {
		if tagged[i].Keep {
			i++
			continue
		}
		j := i
		for j+1 < len(tagged) && !tagged[j+1].Keep {
			j++
		}
		if i == j {
			groups = append(groups, tagged[i].Snap.Name)
		} else {
			groups = append(groups, tagged[i].Snap.Name+"%"+tagged[j].Snap.Name)
		}
		i = j + 1
	}
	return strings.Join(groups, ",\\\n")
}

// Apply fetches the dataset's snapshots, evaluates the default criterion,
// and either prints the destroy command for review or runs it directly.
// It returns the user-facing success message.
func Apply(m Host, ds *dataset.Dataset, opts Opts) (string, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if err := m.GetSnaps(ds); err != nil {
		return "", fmt.Errorf("unable to get snapshots for %q: %w", ds, err)
	}

	tagged := Tag(ds, DefaultCriterion(now, opts.KeepUnusual))
	arg := RenderDestroyArgument(tagged)
	if arg == "" {
		return fmt.Sprintf("Nothing to do: no snapshots of %q are due for deletion.", ds), nil
	}

	cmdline := fmt.Sprintf("zfs destroy -v %s@\\\n%s", ds.Fullname(), arg)
	if !opts.RunDirectly {
		return cmdline, nil
	}

	destroyed := 0
	for _, tg := range tagged {
		if !tg.Keep {
			destroyed++
		}
	}

	klog.V(1).Infof("destroying %d snapshot(s) of %q", destroyed, ds)
	if err := m.Destroy(ds, strings.ReplaceAll(arg, "\\\n", "")); err != nil {
		return "", fmt.Errorf("destroying snapshots of %q: %w", ds, err)
	}
	if opts.Metrics != nil {
		opts.Metrics.SnapsDestroyed.Add(float64(destroyed))
	}
	if err := m.GetSnaps(ds); err != nil {
		return "", fmt.Errorf("refreshing snapshots of %q after destroy: %w", ds, err)
	}
	return fmt.Sprintf("Destroyed snapshots of %q:\n%s", ds, arg), nil
}
