package types

import "encoding/json"

// Capability names one independent analysis type served by the backend.
type Capability string

const (
	CapRegion  Capability = "region"
	CapEmotion Capability = "emotion"
	CapGender  Capability = "gender"
	CapAge     Capability = "age"
)

// Capabilities lists every capability in display order.
var Capabilities = []Capability{CapRegion, CapEmotion, CapGender, CapAge}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapRegion, CapEmotion, CapGender, CapAge:
		return true
	}
	return false
}

// Labels the backend models produce, in model output order.
var (
	EmotionLabels = []string{"angry", "disgust", "scared", "happy", "sad", "surprised", "neutral"}
	GenderLabels  = []string{"female", "male"}
)

// Region is a face bounding box in frame-pixel coordinates. The backend names the
// extents after its own unpacking order: Height is drawn horizontally and Width
// vertically.
type Region struct {
	X      float64 `json:"bb_x"`
	Y      float64 `json:"bb_y"`
	Height float64 `json:"bb_height"`
	Width  float64 `json:"bb_width"`
}

// Response is an inbound result for one capability.
type Response struct {
	Capability Capability
	Event      string
	Data       json.RawMessage
	// Seq is the request sequence number echoed by the backend, zero when absent.
	Seq uint64
	// Ack is nil when the sender did not request acknowledgement.
	Ack func()
}

// Request is the outbound payload of a sampler tick.
type Request struct {
	Data string `json:"data"`
	Seq  uint64 `json:"seq"`
}
