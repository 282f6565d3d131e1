// Package sampler turns canvas snapshots into inference requests for one capability.
//
// A Sampler is driven by the session loop: Begin decides whether a tick produces a
// job, Encode runs off the loop, and Finish submits the encoded frame. Only Encode may
// be called from another goroutine.
package sampler

import (
	"image"
	"time"

	"github.com/benbjohnson/clock"

	"facecam-go/internal/frameenc"
	"facecam-go/internal/types"
)

// Submitter is the request side of a capability channel.
type Submitter interface {
	Connected() bool
	Submit(event string, payload any) bool
}

type Options struct {
	Capability types.Capability
	Event      string
	Quality    int
	// MaxInFlight bounds outstanding requests; zero disables backpressure.
	MaxInFlight int
	// Timeout expires outstanding requests that were never answered.
	Timeout time.Duration
	Clock   clock.Clock
}

// Stats counts what happened on each tick.
type Stats struct {
	Ticks          uint64
	Submitted      uint64
	Dropped        uint64
	EmptyCanvas    uint64
	Throttled      uint64
	Busy           uint64
	EncodeFailures uint64
	Answered       uint64
	Expired        uint64
}

// Job is one frame waiting to be encoded.
type Job struct {
	Capability types.Capability
	Seq        uint64
	Image      image.Image
	quality    int
}

// Result is an encoded job.
type Result struct {
	Capability types.Capability
	Seq        uint64
	URI        string
	Err        error
}

type Sampler struct {
	opts  Options
	ch    Submitter
	seq   uint64
	stats Stats

	encoding    bool
	outstanding map[uint64]time.Time
}

func New(opts Options, ch Submitter) *Sampler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	return &Sampler{
		opts:        opts,
		ch:          ch,
		outstanding: make(map[uint64]time.Time),
	}
}

func (s *Sampler) Capability() types.Capability {
	return s.opts.Capability
}

// Begin handles a tick and returns a job when a frame should be encoded. snapshot is
// only called once the tick is known to need a frame; it reports false while nothing
// has been drawn.
func (s *Sampler) Begin(snapshot func() (image.Image, bool)) (Job, bool) {
	s.stats.Ticks++
	if !s.ch.Connected() {
		// Nothing sent before a disconnect will be answered.
		s.reset()
		s.stats.Dropped++
		return Job{}, false
	}
	if s.encoding {
		s.stats.Busy++
		return Job{}, false
	}
	s.expire()
	if s.opts.MaxInFlight > 0 && len(s.outstanding) >= s.opts.MaxInFlight {
		s.stats.Throttled++
		return Job{}, false
	}
	img, ok := snapshot()
	if !ok || img == nil {
		s.stats.EmptyCanvas++
		return Job{}, false
	}
	s.seq++
	s.encoding = true
	return Job{Capability: s.opts.Capability, Seq: s.seq, Image: img, quality: s.opts.Quality}, true
}

// Encode builds the data URI for job. It is safe to call from any goroutine.
func Encode(job Job) Result {
	uri, err := frameenc.DataURI(job.Image, job.quality)
	return Result{Capability: job.Capability, Seq: job.Seq, URI: uri, Err: err}
}

// Finish submits an encoded result and reports whether it went out.
func (s *Sampler) Finish(res Result) bool {
	s.encoding = false
	if res.Err != nil {
		s.stats.EncodeFailures++
		return false
	}
	if !s.ch.Submit(s.opts.Event, types.Request{Data: res.URI, Seq: res.Seq}) {
		s.stats.Dropped++
		return false
	}
	s.stats.Submitted++
	s.outstanding[res.Seq] = s.opts.Clock.Now()
	return true
}

// Answered clears an outstanding request. A zero seq, from a backend that does not
// echo it, clears the oldest one.
func (s *Sampler) Answered(seq uint64) {
	if seq == 0 {
		var oldest uint64
		for k := range s.outstanding {
			if oldest == 0 || k < oldest {
				oldest = k
			}
		}
		seq = oldest
	}
	if _, ok := s.outstanding[seq]; ok {
		delete(s.outstanding, seq)
		s.stats.Answered++
	}
}

// InFlight returns the number of outstanding requests.
func (s *Sampler) InFlight() int {
	return len(s.outstanding)
}

// LastSeq returns the last sequence number handed out.
func (s *Sampler) LastSeq() uint64 {
	return s.seq
}

func (s *Sampler) Stats() Stats {
	return s.stats
}

func (s *Sampler) reset() {
	if len(s.outstanding) == 0 {
		return
	}
	s.outstanding = make(map[uint64]time.Time)
}

func (s *Sampler) expire() {
	if s.opts.Timeout <= 0 {
		return
	}
	now := s.opts.Clock.Now()
	for seq, sent := range s.outstanding {
		if now.Sub(sent) >= s.opts.Timeout {
			delete(s.outstanding, seq)
			s.stats.Expired++
		}
	}
}
