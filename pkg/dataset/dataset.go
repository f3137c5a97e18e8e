// Package dataset models ZFS datasets and their snapshot histories, parses
// the [host:]pool/path[//relative] address language, and compares two
// snapshot histories of the same dataset.
package dataset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Static errors for address parsing. Each is returned wrapped with the
// offending input string.
var (
	// ErrColonAfterSlash is returned when a colon appears after a slash. A
	// colon is only allowed at the beginning of a spec, before any slash,
	// where it separates the remote host from the dataset name.
	ErrColonAfterSlash = errors.New("a colon is only allowed before any slash in a dataset spec")

	// ErrZeroLengthAfterColon is returned when nothing follows the
	// host:dataset separating colon.
	ErrZeroLengthAfterColon = errors.New("no characters after the host:dataset separating colon")

	// ErrIllegalSlashes is returned when a dataset spec begins or ends with
	// a slash.
	ErrIllegalSlashes = errors.New("a dataset spec cannot begin or end with a slash")

	// ErrIllegalCharacters is returned when a dataset spec contains anything
	// other than ASCII alphanumerics, dash, underscore, and slash.
	ErrIllegalCharacters = errors.New("only ASCII alphanumerics, dash, and underscore may appear in dataset names supported by this tool")

	// ErrEmptyComponent is returned when a dataset spec contains an empty
	// path component (think "zfs create testpool/////dataset") beyond the
	// single permitted relative-marker doubleslash.
	ErrEmptyComponent = errors.New("empty dataset components are not allowed")
)

// Snap is a single snapshot of a dataset. Identity is the GUID alone; Name
// and Creation play no part in equality.
type Snap struct {
	Creation time.Time
	Name     string // only the snapshot name, i.e. to the right of '@'
	GUID     uint64
	Holds    uint32
}

// ErrIncomparableSnaps is returned when two snapshots carry the same
// creation time but different GUIDs. Ordering is undefined between them and
// callers must not continue comparing the histories they came from.
var ErrIncomparableSnaps = errors.New("snapshots have equal creation times but different guids")

// Equal reports snapshot identity, which is GUID identity.
func (s Snap) Equal(other Snap) bool {
	return s.GUID == other.GUID
}

// Compare orders snapshots by creation time. It returns -1, 0, or +1, or
// ErrIncomparableSnaps when the creation times match but the GUIDs do not.
func (s Snap) Compare(other Snap) (int, error) {
	switch {
	case s.Creation.Before(other.Creation):
		return -1, nil
	case s.Creation.After(other.Creation):
		return 1, nil
	case s.GUID == other.GUID:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q vs %q at %s", ErrIncomparableSnaps, s.Name, other.Name, s.Creation.UTC().Format(time.RFC3339))
	}
}

func (s Snap) String() string {
	return s.Name
}

// Dataset is a named dataset plus its time-ordered snapshot history. The
// zero value is not useful; construct one with Parse.
type Dataset struct {
	fullname  string
	poolEnd   int // fullname[:poolEnd] is the pool root component
	relMarker int // offset of the slash the '//' marker collapsed to, or -1

	// Snaps holds the snapshot history, oldest first, non-strictly
	// increasing by creation time. Populated by machine.GetSnaps.
	Snaps []Snap
}

// Parse validates and normalizes a dataset spec (the part of an address
// after any host: prefix). See the package documentation for the grammar.
func Parse(spec string) (*Dataset, error) {
	if spec == "" {
		return nil, fmt.Errorf("%q: %w", spec, ErrZeroLengthAfterColon)
	}
	for _, c := range spec {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '/':
		default:
			return nil, fmt.Errorf("%q: %w", spec, ErrIllegalCharacters)
		}
	}
	if spec[0] == '/' || spec[len(spec)-1] == '/' {
		return nil, fmt.Errorf("%q: %w", spec, ErrIllegalSlashes)
	}

	// The doubleslash notation marks the start of the relative sub-path, so
	// exactly one instance of "//" collapses to "/". Any instance left after
	// that is a genuinely empty path component.
	relMarker := strings.Index(spec, "//")
	fullname := spec
	if relMarker >= 0 {
		fullname = strings.Replace(spec, "//", "/", 1)
	}
	if strings.Contains(fullname, "//") {
		return nil, fmt.Errorf("%q: %w", spec, ErrEmptyComponent)
	}

	poolEnd := strings.IndexByte(fullname, '/')
	if poolEnd < 0 {
		poolEnd = len(fullname)
	}

	return &Dataset{
		fullname:  fullname,
		poolEnd:   poolEnd,
		relMarker: relMarker,
	}, nil
}

// Fullname returns the normalized dataset name, e.g. "tank/lxc/web".
func (d *Dataset) Fullname() string { return d.fullname }

// Pool returns the pool root component of the dataset name.
func (d *Dataset) Pool() string { return d.fullname[:d.poolEnd] }

// Relative returns the sub-path to the right of the address's '//' marker,
// or "" if the address carried no marker.
func (d *Dataset) Relative() string {
	if d.relMarker < 0 {
		return ""
	}
	return d.fullname[d.relMarker+1:]
}

// IsPoolRoot reports whether the dataset is a pool's top-level dataset.
func (d *Dataset) IsPoolRoot() bool { return d.poolEnd == len(d.fullname) }

// OldestSnap returns the first snapshot of the history. It panics on an
// empty history.
func (d *Dataset) OldestSnap() *Snap { return &d.Snaps[0] }

// NewestSnap returns the last snapshot of the history. It panics on an
// empty history.
func (d *Dataset) NewestSnap() *Snap { return &d.Snaps[len(d.Snaps)-1] }

// AppendRelative extends the dataset name with src's relative sub-path, so
// that "src//sub" replicated into "dst" targets "dst/sub". It is a no-op
// when src carries no relative marker, and therefore idempotent in that
// case. The normalization invariants hold afterwards because Relative never
// contains leading or trailing slashes nor a doubleslash.
func (d *Dataset) AppendRelative(src *Dataset) {
	if rel := src.Relative(); rel != "" {
		d.fullname = d.fullname + "/" + rel
	}
}

func (d *Dataset) String() string {
	return d.fullname
}
