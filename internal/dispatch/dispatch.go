// Package dispatch applies inbound capability responses to the overlay.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"facecam-go/internal/logging"
	"facecam-go/internal/overlay"
	"facecam-go/internal/types"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Outcome is what happened to one response.
type Outcome int

const (
	Applied Outcome = iota
	Stale
	Malformed
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Malformed:
		return "malformed"
	case Ignored:
		return "ignored"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Stats counts outcomes for one capability.
type Stats struct {
	Applied   uint64
	Stale     uint64
	Malformed uint64
	Acked     uint64
}

type counters struct {
	applied   atomic.Uint64
	stale     atomic.Uint64
	malformed atomic.Uint64
	acked     atomic.Uint64
}

type handler func(data json.RawMessage, seq uint64) (Outcome, error)

// Dispatcher routes responses to the handler of their capability.
type Dispatcher struct {
	state    *overlay.State
	logger   *zap.SugaredLogger
	every    *logging.EveryN
	handlers map[types.Capability]handler
	counts   map[types.Capability]*counters
}

func New(state *overlay.State, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		state:  state,
		logger: logger,
		every:  logging.NewEveryN(50),
		counts: make(map[types.Capability]*counters, len(types.Capabilities)),
	}
	d.handlers = map[types.Capability]handler{
		types.CapRegion:  d.applyRegion,
		types.CapEmotion: d.labelHandler(types.CapEmotion),
		types.CapGender:  d.labelHandler(types.CapGender),
		types.CapAge:     d.labelHandler(types.CapAge),
	}
	for _, c := range types.Capabilities {
		d.counts[c] = &counters{}
	}
	return d
}

// Handle applies r and then acknowledges it when the sender asked for that. The ack is
// sent for malformed payloads too.
func (d *Dispatcher) Handle(r types.Response) Outcome {
	h, ok := d.handlers[r.Capability]
	if !ok {
		return Ignored
	}
	c := d.counts[r.Capability]
	outcome, err := h(r.Data, r.Seq)
	switch outcome {
	case Applied:
		c.applied.Add(1)
	case Stale:
		c.stale.Add(1)
	case Malformed:
		c.malformed.Add(1)
		if d.every.Allow() {
			d.logger.Debugw("skipping malformed response", "capability", r.Capability, "event", r.Event, "error", err)
		}
	}
	if r.Ack != nil {
		r.Ack()
		c.acked.Add(1)
	}
	return outcome
}

// Stats returns the counters for every capability.
func (d *Dispatcher) Stats() map[types.Capability]Stats {
	out := make(map[types.Capability]Stats, len(d.counts))
	for capability, c := range d.counts {
		out[capability] = Stats{
			Applied:   c.applied.Load(),
			Stale:     c.stale.Load(),
			Malformed: c.malformed.Load(),
			Acked:     c.acked.Load(),
		}
	}
	return out
}

func (d *Dispatcher) applyRegion(data json.RawMessage, seq uint64) (Outcome, error) {
	region, err := ParseRegion(data)
	if err != nil {
		return Malformed, err
	}
	if !d.state.SetRegion(region, seq) {
		return Stale, nil
	}
	return Applied, nil
}

func (d *Dispatcher) labelHandler(c types.Capability) handler {
	return func(data json.RawMessage, seq uint64) (Outcome, error) {
		label, err := ParseLabel(data)
		if err != nil {
			return Malformed, err
		}
		if !d.state.SetLabel(c, label, seq) {
			return Stale, nil
		}
		return Applied, nil
	}
}

func object(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	return obj, nil
}

// ParseRegion reads {bb_x, bb_y, bb_height, bb_width}. Values may be numbers or
// numeric strings.
func ParseRegion(data json.RawMessage) (types.Region, error) {
	obj, err := object(data)
	if err != nil {
		return types.Region{}, err
	}
	var r types.Region
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{types.KeyBBX, &r.X},
		{types.KeyBBY, &r.Y},
		{types.KeyBBHeight, &r.Height},
		{types.KeyBBWidth, &r.Width},
	} {
		raw, ok := obj[f.key]
		if !ok || raw == nil {
			return types.Region{}, fmt.Errorf("%w: missing %s", ErrMalformedPayload, f.key)
		}
		if _, isBool := raw.(bool); isBool {
			return types.Region{}, fmt.Errorf("%w: %s is not numeric", ErrMalformedPayload, f.key)
		}
		v, err := cast.ToFloat64E(raw)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Region{}, fmt.Errorf("%w: %s is not numeric", ErrMalformedPayload, f.key)
		}
		*f.dst = v
	}
	return r, nil
}

// ParseLabel reads {data: label}. Numeric labels, as the age model may send, are
// formatted as text.
func ParseLabel(data json.RawMessage) (string, error) {
	obj, err := object(data)
	if err != nil {
		return "", err
	}
	raw, ok := obj["data"]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	switch raw.(type) {
	case string, float64:
	default:
		return "", fmt.Errorf("%w: data is %T", ErrMalformedPayload, raw)
	}
	return cast.ToStringE(raw)
}

// EchoedSeq returns the seq field the backend echoed back, or zero.
func EchoedSeq(data json.RawMessage) uint64 {
	var body struct {
		Seq any `json:"seq"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Seq == nil {
		return 0
	}
	seq, err := cast.ToUint64E(body.Seq)
	if err != nil {
		return 0
	}
	return seq
}
