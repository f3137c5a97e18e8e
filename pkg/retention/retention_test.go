package retention

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fenio/zfs-sync/pkg/dataset"
)

// when anchors every age calculation in this file.
var when = time.Date(2021, time.December, 8, 10, 1, 58, 0, time.UTC)

func dayUTC(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 3, 0, 0, 0, time.UTC)
}

func mustParse(t *testing.T, spec string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Parse(spec)
	if err != nil {
		t.Fatalf("Parse(%q): %v", spec, err)
	}
	return ds
}

func TestDefaultCriterion(t *testing.T) {
	tests := []struct {
		name        string
		snap        dataset.Snap
		keepUnusual bool
		want        bool
	}{
		{
			name: "recent sunday is kept",
			snap: dataset.Snap{Name: "2021-12-05", Creation: dayUTC(2021, time.December, 5)},
			want: true,
		},
		{
			name: "old sunday is deleted",
			// 2021-01-03 was a Sunday, but it is past the 180-day window.
			snap: dataset.Snap{Name: "2021-01-03", Creation: dayUTC(2021, time.January, 3)},
			want: false,
		},
		{
			name: "recent weekday is deleted",
			snap: dataset.Snap{Name: "2021-12-06", Creation: dayUTC(2021, time.December, 6)},
			want: false,
		},
		{
			name: "holds always keep",
			snap: dataset.Snap{Name: "2021-12-06", Creation: dayUTC(2021, time.December, 6), Holds: 1},
			want: true,
		},
		{
			name:        "unusual name kept when requested",
			snap:        dataset.Snap{Name: "pre-upgrade", Creation: dayUTC(2021, time.December, 6)},
			keepUnusual: true,
			want:        true,
		},
		{
			name: "unusual name deleted otherwise",
			snap: dataset.Snap{Name: "pre-upgrade", Creation: dayUTC(2021, time.December, 6)},
			want: false,
		},
		{
			name:        "canonical name not spared by keepUnusual",
			snap:        dataset.Snap{Name: "2021-12-06", Creation: dayUTC(2021, time.December, 6)},
			keepUnusual: true,
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep := DefaultCriterion(when, tt.keepUnusual)
			if got := keep(&tt.snap); got != tt.want {
				t.Errorf("keep(%q) = %v, want %v", tt.snap.Name, got, tt.want)
			}
		})
	}
}

func TestTagPreservesOrder(t *testing.T) {
	ds := mustParse(t, "zelda/webdata")
	ds.Snaps = []dataset.Snap{
		{Name: "a", Creation: dayUTC(2021, time.November, 1)},
		{Name: "b", Creation: dayUTC(2021, time.November, 2), Holds: 1},
		{Name: "c", Creation: dayUTC(2021, time.November, 3)},
	}
	tagged := Tag(ds, DefaultCriterion(when, false))
	if len(tagged) != 3 {
		t.Fatalf("got %d tagged snaps, want 3", len(tagged))
	}
	for i, tg := range tagged {
		if tg.Snap != &ds.Snaps[i] {
			t.Errorf("tagged[%d] does not reference ds.Snaps[%d]", i, i)
		}
	}
	if tagged[0].Keep || !tagged[1].Keep || tagged[2].Keep {
		t.Errorf("verdicts = %v,%v,%v, want false,true,false",
			tagged[0].Keep, tagged[1].Keep, tagged[2].Keep)
	}
}

func taggedFixture(verdicts string) []TaggedSnap {
	// verdicts is a string like "kddk": k means keep, d means delete; the
	// snapshot names are single letters starting at "a".
	tagged := make([]TaggedSnap, 0, len(verdicts))
	for i, c := range verdicts {
		tagged = append(tagged, TaggedSnap{
			Snap: &dataset.Snap{Name: string(rune('a' + i))},
			Keep: c == 'k',
		})
	}
	return tagged
}

func TestRenderDestroyArgument(t *testing.T) {
	tests := []struct {
		name     string
		verdicts string
		want     string
	}{
		{name: "all kept", verdicts: "kkk", want: ""},
		{name: "single deletion", verdicts: "kdk", want: "b"},
		{name: "run of deletions", verdicts: "kdddk", want: "b%d"},
		{name: "mixed groups", verdicts: "dkdddkd", want: "a,\\\nc%e,\\\ng"},
		{name: "pair collapses to range", verdicts: "ddk", want: "a%b"},
		{name: "empty input", verdicts: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderDestroyArgument(taggedFixture(tt.verdicts))
			if got != tt.want {
				t.Errorf("RenderDestroyArgument(%q) = %q, want %q", tt.verdicts, got, tt.want)
			}
		})
	}
}

func TestRenderDestroyArgumentRoundTrip(t *testing.T) {
	// Decoding the rendered argument back into a set of names must equal
	// the set of snapshots with a false keep-verdict.
	tagged := taggedFixture("dkdddkdd")
	rendered := RenderDestroyArgument(tagged)

	decoded := map[string]bool{}
	for _, group := range strings.Split(strings.ReplaceAll(rendered, "\\\n", ""), ",") {
		first, last, isRange := strings.Cut(group, "%")
		if !isRange {
			decoded[group] = true
			continue
		}
		for c := first[0]; c <= last[0]; c++ {
			decoded[string(c)] = true
		}
	}

	want := map[string]bool{}
	for _, tg := range tagged {
		if !tg.Keep {
			want[tg.Snap.Name] = true
		}
	}
	if len(decoded) != len(want) {
		t.Fatalf("decoded %d names, want %d", len(decoded), len(want))
	}
	for name := range want {
		if !decoded[name] {
			t.Errorf("name %q missing from rendered argument %q", name, rendered)
		}
	}
}

// mockHost is a function-injection mock implementing Host.
type mockHost struct {
	GetSnapsFunc func(ds *dataset.Dataset) error
	DestroyFunc  func(ds *dataset.Dataset, arg string) error
}

func (m *mockHost) GetSnaps(ds *dataset.Dataset) error {
	if m.GetSnapsFunc == nil {
		return errors.New("unexpected GetSnaps call")
	}
	return m.GetSnapsFunc(ds)
}

func (m *mockHost) Destroy(ds *dataset.Dataset, arg string) error {
	if m.DestroyFunc == nil {
		return errors.New("unexpected Destroy call")
	}
	return m.DestroyFunc(ds, arg)
}

func TestApplyPrintsForReview(t *testing.T) {
	host := &mockHost{
		GetSnapsFunc: func(ds *dataset.Dataset) error {
			ds.Snaps = []dataset.Snap{
				{Name: "2021-11-01", Creation: dayUTC(2021, time.November, 1)},
				{Name: "2021-11-02", Creation: dayUTC(2021, time.November, 2)},
				{Name: "2021-12-05", Creation: dayUTC(2021, time.December, 5)}, // Sunday, kept
			}
			return nil
		},
	}
	ds := mustParse(t, "zelda/webdata")
	msg, err := Apply(host, ds, Opts{Now: when})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.Contains(msg, "zfs destroy -v zelda/webdata@") {
		t.Errorf("message %q does not contain the destroy command", msg)
	}
	if !strings.Contains(msg, "2021-11-01%2021-11-02") {
		t.Errorf("message %q does not collapse the deletion run", msg)
	}
}

func TestApplyRunDirectly(t *testing.T) {
	var destroyed string
	calls := 0
	host := &mockHost{
		GetSnapsFunc: func(ds *dataset.Dataset) error {
			calls++
			ds.Snaps = []dataset.Snap{
				{Name: "2021-11-01", Creation: dayUTC(2021, time.November, 1)},
				{Name: "2021-11-02", Creation: dayUTC(2021, time.November, 2)},
			}
			return nil
		},
		DestroyFunc: func(_ *dataset.Dataset, arg string) error {
			destroyed = arg
			return nil
		},
	}
	ds := mustParse(t, "zelda/webdata")
	if _, err := Apply(host, ds, Opts{Now: when, RunDirectly: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := "2021-11-01%2021-11-02"; destroyed != want {
		t.Errorf("destroy argument = %q, want %q", destroyed, want)
	}
	if calls != 2 {
		t.Errorf("GetSnaps called %d times, want 2 (fetch + refresh)", calls)
	}
}

func TestApplyNothingToDo(t *testing.T) {
	host := &mockHost{
		GetSnapsFunc: func(ds *dataset.Dataset) error {
			ds.Snaps = []dataset.Snap{
				{Name: "2021-12-05", Creation: dayUTC(2021, time.December, 5)},
			}
			return nil
		},
	}
	ds := mustParse(t, "zelda/webdata")
	msg, err := Apply(host, ds, Opts{Now: when})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.Contains(msg, "Nothing to do") {
		t.Errorf("message = %q, want a nothing-to-do notice", msg)
	}
}
