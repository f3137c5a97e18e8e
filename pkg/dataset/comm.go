package dataset

import (
	"fmt"
)

// Side tags which history a merged snapshot came from, in the manner of
// comm(1)'s three columns.
type Side uint8

const (
	// Left marks a snapshot present only in the first history.
	Left Side = iota
	// Both marks a snapshot present in both histories.
	Both
	// Right marks a snapshot present only in the second history.
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Both:
		return "both"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Tagged is one element of the merged snapshot sequence. Left and Both
// elements point into the first dataset's Snaps backing array, Right
// elements into the second's.
type Tagged struct {
	Snap *Snap
	Side Side
}

// Comm merges the snapshot histories of a and b in linear time, tagging
// every snapshot with the side(s) it appears on. It returns the tagged
// sequence, ordered like the inputs, and the index of the most recent Both
// element (-1 when the histories share nothing).
//
// Both inputs must be ordered oldest-first with strictly increasing
// creation times across distinct snapshots; observing two heads with equal
// creation but different GUIDs violates that precondition and aborts the
// merge with ErrIncomparableSnaps.
func Comm(a, b *Dataset) ([]Tagged, int, error) {
	out := make([]Tagged, 0, max(len(a.Snaps), len(b.Snaps)))
	mrcIdx := -1

	i, j := 0, 0
	for i < len(a.Snaps) && j < len(b.Snaps) {
		cmp, err := a.Snaps[i].Compare(b.Snaps[j])
		if err != nil {
			return nil, -1, fmt.Errorf("snapshot histories of %q and %q: %w", a, b, err)
		}
		switch {
		case cmp < 0:
			out = append(out, Tagged{Side: Left, Snap: &a.Snaps[i]})
			i++
		case cmp > 0:
			out = append(out, Tagged{Side: Right, Snap: &b.Snaps[j]})
			j++
		default:
			out = append(out, Tagged{Side: Both, Snap: &a.Snaps[i]})
			mrcIdx = len(out) - 1
			i++
			j++
		}
	}
	for ; i < len(a.Snaps); i++ {
		out = append(out, Tagged{Side: Left, Snap: &a.Snaps[i]})
	}
	for ; j < len(b.Snaps); j++ {
		out = append(out, Tagged{Side: Right, Snap: &b.Snaps[j]})
	}

	return out, mrcIdx, nil
}

// MRCUDKind is the five-way classification of two snapshot histories.
type MRCUDKind int

const (
	// NoneInCommon means the histories share no snapshot at all.
	NoneInCommon MRCUDKind = iota
	// UpToDate means both histories end at the most recent common snapshot.
	UpToDate
	// SourceHasMore means only the source has snapshots after the most
	// recent common one; an incremental send closes the gap.
	SourceHasMore
	// DestinationHasMore means only the destination has snapshots after the
	// most recent common one; the transfer direction is likely reversed.
	DestinationHasMore
	// Divergence means both sides have snapshots after the most recent
	// common one.
	Divergence
)

func (k MRCUDKind) String() string {
	switch k {
	case NoneInCommon:
		return "NoneInCommon"
	case UpToDate:
		return "UpToDate"
	case SourceHasMore:
		return "SourceHasMore"
	case DestinationHasMore:
		return "DestinationHasMore"
	case Divergence:
		return "Divergence"
	default:
		return fmt.Sprintf("MRCUDKind(%d)", int(k))
	}
}

// MRCUD carries the classification of a source/destination history pair.
// MRC is a copy of the most recent common snapshot, taken from the source
// side; it is meaningless when Kind is NoneInCommon.
type MRCUD struct {
	MRC  Snap
	Kind MRCUDKind
}

// FindMRCUD classifies the relationship between a source history and a
// destination history. By convention the first argument is the replication
// source and the second the replication destination.
func FindMRCUD(src, dst *Dataset) (MRCUD, error) {
	tagged, mrcIdx, err := Comm(src, dst)
	if err != nil {
		return MRCUD{}, err
	}
	if mrcIdx < 0 {
		return MRCUD{Kind: NoneInCommon}, nil
	}

	srcHasMore, dstHasMore := false, false
	for _, t := range tagged[mrcIdx+1:] {
		switch t.Side {
		case Left:
			srcHasMore = true
		case Right:
			dstHasMore = true
		case Both:
			// The merge records the last Both element, so one past it is
			// impossible by construction.
			panic("dataset: common snapshot found past the most recent common index")
		}
	}

	mrc := *tagged[mrcIdx].Snap
	switch {
	case srcHasMore && dstHasMore:
		return MRCUD{Kind: Divergence, MRC: mrc}, nil
	case srcHasMore:
		return MRCUD{Kind: SourceHasMore, MRC: mrc}, nil
	case dstHasMore:
		return MRCUD{Kind: DestinationHasMore, MRC: mrc}, nil
	default:
		return MRCUD{Kind: UpToDate, MRC: mrc}, nil
	}
}
