// Package progress renders a multi-bar progress display from the
// diagnostic stream that zfs send -vP writes to stderr.
//
// The stream starts with a header block of one or more itemized lines
// ("full" or "incremental", one per snapshot in the stream), then a single
// "size\t<totalBytes>" line, then periodic data lines of the form
// "<hh:mm:ss>\t<bytesSoFar>\t<targetFullName>". Data lines are assumed to
// reference header items in header order; items the sender finishes without
// reporting individually are accounted for when the next data line names a
// later item.
package progress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Static errors for stream parsing.
var (
	// ErrMalformedStream is returned when a header or data line does not
	// have the expected shape.
	ErrMalformedStream = errors.New("malformed zfs send -vP stream")

	// ErrUnknownStreamItem is returned when a data line names a snapshot
	// that does not appear in the remaining header items.
	ErrUnknownStreamItem = errors.New("data line references a snapshot not in the stream header")
)

// item is one itemized header line: the target snapshot's short name and
// its size in bytes.
type item struct {
	name string
	size uint64
}

// Renderer consumes a send stream's stderr and drives three progress
// indicators: items completed, total bytes, and bytes of the item in
// flight. The counter fields mirror the bars and stay readable after Run
// returns, which the tests rely on.
type Renderer struct {
	out io.Writer

	ItemsDone    uint64
	ItemsTotal   uint64
	BytesDone    uint64
	BytesTotal   uint64
	CurrentDone  uint64
	CurrentTotal uint64
}

// NewRenderer returns a renderer drawing to out. Pass io.Discard to run
// headless.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Run reads the stream until EOF, updating the display. An empty stream
// returns cleanly; a stream that ends mid-transfer (the sender died or the
// pipe broke) finishes the bars and returns nil. Run returns an error for
// streams that violate the format itself and for read errors other than EOF.
func (r *Renderer) Run(stream io.Reader) error {
	scanner := bufio.NewScanner(stream)

	items, total, err := readHeader(scanner)
	if err != nil || items == nil {
		return err
	}

	r.ItemsTotal = uint64(len(items))
	r.BytesTotal = total
	r.CurrentTotal = items[0].size

	p := mpb.New(mpb.WithOutput(r.out), mpb.WithWidth(40))
	itemsBar := p.New(int64(len(items)),
		mpb.NopStyle(),
		mpb.PrependDecorators(decor.Name("Sending snapshot "), decor.CountersNoUnit("%d of %d")),
	)
	totalBar := p.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("#").Tip("#").Padding("-").Rbound("]"),
		mpb.PrependDecorators(decor.Elapsed(decor.ET_STYLE_HHMMSS)),
		mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f"), decor.AverageSpeed(decor.SizeB1024(0), " % .1f")),
	)
	currentBar := p.New(int64(items[0].size),
		mpb.BarStyle().Lbound("[").Filler("#").Tip("#").Padding("-").Rbound("]"),
		mpb.PrependDecorators(decor.Elapsed(decor.ET_STYLE_HHMMSS)),
		mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f"), decor.AverageSpeed(decor.SizeB1024(0), " % .1f")),
	)

	idx := 0
	var curXfer uint64

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return fmt.Errorf("%w: data line %q", ErrMalformedStream, line)
		}
		xfer, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: data line %q: %v", ErrMalformedStream, line, err)
		}
		name := shortName(fields[2])

		if name == items[idx].name {
			delta := xfer - curXfer
			r.CurrentDone += delta
			r.BytesDone += delta
			currentBar.IncrInt64(int64(delta))
			totalBar.IncrInt64(int64(delta))
			curXfer = xfer
			continue
		}

		// The sender moved on. Close out the item we were working on, then
		// skip forward over any items it finished without reporting,
		// accounting their full size against the total.
		remainder := items[idx].size - curXfer
		r.BytesDone += remainder
		r.ItemsDone++
		totalBar.IncrInt64(int64(remainder))
		itemsBar.Increment()
		idx++
		for idx < len(items) && items[idx].name != name {
			r.BytesDone += items[idx].size
			r.ItemsDone++
			totalBar.IncrInt64(int64(items[idx].size))
			itemsBar.Increment()
			idx++
		}
		if idx == len(items) {
			return fmt.Errorf("%w: %q", ErrUnknownStreamItem, name)
		}

		r.CurrentTotal = items[idx].size
		r.CurrentDone = xfer
		r.BytesDone += xfer
		currentBar.SetTotal(int64(items[idx].size), false)
		currentBar.SetCurrent(int64(xfer))
		totalBar.IncrInt64(int64(xfer))
		curXfer = xfer
	}

	// EOF, possibly mid-transfer. Finish the display either way.
	itemsBar.SetTotal(-1, true)
	totalBar.SetTotal(-1, true)
	currentBar.SetTotal(-1, true)
	p.Wait()

	return scanner.Err()
}

// readHeader consumes the itemized header lines and the closing size line.
// A nil item slice with a nil error means the stream was empty.
func readHeader(scanner *bufio.Scanner) ([]item, uint64, error) {
	var items []item
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, "\t")
		switch fields[0] {
		case "size":
			if len(fields) != 2 {
				return nil, 0, fmt.Errorf("%w: size line %q", ErrMalformedStream, line)
			}
			total, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: size line %q: %v", ErrMalformedStream, line, err)
			}
			if len(items) == 0 {
				return nil, 0, fmt.Errorf("%w: size line before any itemized line", ErrMalformedStream)
			}
			return items, total, nil
		case "full":
			if len(fields) != 3 {
				return nil, 0, fmt.Errorf("%w: header line %q", ErrMalformedStream, line)
			}
			size, err := strconv.ParseUint(fields[2], 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: header line %q: %v", ErrMalformedStream, line, err)
			}
			items = append(items, item{name: shortName(fields[1]), size: size})
		case "incremental":
			if len(fields) != 4 {
				return nil, 0, fmt.Errorf("%w: header line %q", ErrMalformedStream, line)
			}
			size, err := strconv.ParseUint(fields[3], 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: header line %q: %v", ErrMalformedStream, line, err)
			}
			items = append(items, item{name: shortName(fields[2]), size: size})
		default:
			return nil, 0, fmt.Errorf("%w: unknown header line %q", ErrMalformedStream, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	// EOF before the size line; an empty stream is fine, a half header is
	// treated like truncation and also returns cleanly.
	return nil, 0, nil
}

// shortName returns the snapshot name to the right of the last '@'.
func shortName(full string) string {
	if i := strings.LastIndexByte(full, '@'); i >= 0 {
		return full[i+1:]
	}
	return full
}
