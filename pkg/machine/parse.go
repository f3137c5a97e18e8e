package machine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fenio/zfs-sync/pkg/dataset"
)

// parseSnapshotList parses the output of
//
//	zfs list -Hp -o name,creation,guid,userrefs -t snapshot -d1 <dataset>
//
// into snapshots, keeping ZFS's oldest-first order. Each line carries four
// tab-separated fields: the full snapshot name, the creation time as a
// decimal epoch, the guid, and the user-hold count.
func parseSnapshotList(out []byte) ([]dataset.Snap, error) {
	text := strings.TrimSuffix(string(out), "\n")
	if text == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	snaps := make([]dataset.Snap, 0, len(lines))
	for i, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: expected 4 tab-separated fields, got %d", i+1, len(fields))
		}

		_, name, found := strings.Cut(fields[0], "@")
		if !found {
			return nil, fmt.Errorf("line %d: %q is not a snapshot name", i+1, fields[0])
		}
		creation, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: creation %q: %w", i+1, fields[1], err)
		}
		guid, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: guid %q: %w", i+1, fields[2], err)
		}
		holds, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: userrefs %q: %w", i+1, fields[3], err)
		}

		snaps = append(snaps, dataset.Snap{
			Name:     name,
			Creation: time.Unix(creation, 0).UTC(),
			GUID:     guid,
			Holds:    uint32(holds),
		})
	}
	return snaps, nil
}
