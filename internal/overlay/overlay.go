// Package overlay holds the session-lifetime record of the last applied region and
// classification labels.
//
// Every field has exactly one writer (the response handler of its capability) and is
// updated independently of the others: a read returns the most recently applied write
// per field, with no guarantee that fields were written together.
package overlay

import (
	"strconv"
	"sync"

	"facecam-go/internal/types"
)

type field struct {
	label string
	seq   uint64
	set   bool
}

// State is the shared overlay record read by the renderer and display sinks.
type State struct {
	mu          sync.RWMutex
	region      types.Region
	regionSeq   uint64
	hasRegion   bool
	labels      map[types.Capability]field
	version     uint64
	rejectStale bool
}

// New returns an empty overlay. With rejectStale set, writes tagged with a sequence
// number older than the one already applied to that field are refused.
func New(rejectStale bool) *State {
	return &State{
		labels:      make(map[types.Capability]field, len(types.Capabilities)),
		rejectStale: rejectStale,
	}
}

// Region returns the last applied region, if any.
func (s *State) Region() (types.Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region, s.hasRegion
}

// Label returns the last applied label for a classification capability.
func (s *State) Label(c types.Capability) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.labels[c]
	return f.label, ok && f.set
}

// SetRegion applies a region. seq of zero means the response carried no sequence
// number and is always applied.
func (s *State) SetRegion(r types.Region, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(s.regionSeq, seq) {
		return false
	}
	s.region = r
	s.hasRegion = true
	if seq != 0 {
		s.regionSeq = seq
	}
	s.version++
	return true
}

// SetLabel applies a label for c. The region capability has no label field.
func (s *State) SetLabel(c types.Capability, label string, seq uint64) bool {
	if c == types.CapRegion || !c.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.labels[c]
	if s.stale(cur.seq, seq) {
		return false
	}
	cur.label = label
	cur.set = true
	if seq != 0 {
		cur.seq = seq
	}
	s.labels[c] = cur
	s.version++
	return true
}

func (s *State) stale(applied, seq uint64) bool {
	return s.rejectStale && seq != 0 && seq < applied
}

// Version increases on every applied write.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot is a point-in-time copy of the overlay.
type Snapshot struct {
	Region    types.Region
	HasRegion bool
	Labels    map[types.Capability]string
	Version   uint64
}

// Snapshot copies the current overlay.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make(map[types.Capability]string, len(s.labels))
	for c, f := range s.labels {
		if f.set {
			labels[c] = f.label
		}
	}
	return Snapshot{
		Region:    s.region,
		HasRegion: s.hasRegion,
		Labels:    labels,
		Version:   s.version,
	}
}

// UI renders the snapshot with the preview page's element keys. Absent fields are
// omitted.
func (snap Snapshot) UI() types.UISnapshot {
	values := make(map[string]string, 7)
	if snap.HasRegion {
		values[types.KeyBBX] = formatFloat(snap.Region.X)
		values[types.KeyBBY] = formatFloat(snap.Region.Y)
		values[types.KeyBBHeight] = formatFloat(snap.Region.Height)
		values[types.KeyBBWidth] = formatFloat(snap.Region.Width)
	}
	for c, label := range snap.Labels {
		if key := types.LabelKey(c); key != "" {
			values[key] = label
		}
	}
	return types.UISnapshot{
		Type:    types.TypeOverlay,
		Values:  values,
		Version: snap.Version,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
