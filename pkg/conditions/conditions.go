// Package conditions provides access to interval-keyed conditions folders:
// start-of-run, end-of-run, event counters and gain strategy records.
package conditions

import (
	"context"
	"math"
	"sort"
)

const (
	// ValidityKeyMin is the smallest validity key.
	ValidityKeyMin int64 = 0

	// ValidityKeyMax is the largest validity key.
	ValidityKeyMax int64 = math.MaxInt64
)

// RunKey returns the validity key at the start of a run.
func RunKey(run uint32) int64 {
	return int64(run) << 32
}

// MaxRun is the largest run number with a non-negative validity key.
const MaxRun = math.MaxInt32

// runEnd returns the validity key just past a run.
func runEnd(run uint32) int64 {
	if run >= MaxRun {
		return ValidityKeyMax
	}

	return RunKey(run) + 1<<32
}

// RunFromKey returns the run number encoded in a run-keyed validity key.
func RunFromKey(key int64) uint32 {
	return uint32(key >> 32)
}

// Object is a single conditions entry valid over [Since, Until).
type Object struct {
	Folder  string         `json:"folder"`
	Channel int64          `json:"channel"`
	Since   int64          `json:"since"`
	Until   int64          `json:"until"`
	Payload map[string]any `json:"payload"`
}

// ChannelSelection restricts a browse to a channel range. The zero value
// selects every channel.
type ChannelSelection struct {
	restricted bool
	first      int64
	last       int64
}

// AllChannels selects every channel.
func AllChannels() ChannelSelection {
	return ChannelSelection{}
}

// Channel selects a single channel.
func Channel(id int64) ChannelSelection {
	return ChannelSelection{restricted: true, first: id, last: id}
}

// ChannelRange selects channels first..last inclusive.
func ChannelRange(first, last int64) ChannelSelection {
	return ChannelSelection{restricted: true, first: first, last: last}
}

// Contains reports whether the channel is selected.
func (c ChannelSelection) Contains(id int64) bool {
	return !c.restricted || (id >= c.first && id <= c.last)
}

// Store is a read interface to a conditions database.
type Store interface {
	// Browse returns the objects of a folder whose validity interval
	// overlaps [since, until), ordered by since then channel.
	Browse(
		ctx context.Context,
		folder string,
		since, until int64,
		channels ChannelSelection,
	) ([]Object, error)
}

// overlaps reports whether [o.Since, o.Until) intersects [since, until).
func overlaps(o *Object, since, until int64) bool {
	return o.Since < until && o.Until > since
}

func sortObjects(objs []Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		if objs[i].Since != objs[j].Since {
			return objs[i].Since < objs[j].Since
		}

		return objs[i].Channel < objs[j].Channel
	})
}
