package types

// Element keys shared with the preview page.
const (
	KeyCanvas   = "video_canvas"
	KeyVideo    = "videoElement"
	KeyBBX      = "bb_x"
	KeyBBY      = "bb_y"
	KeyBBHeight = "bb_height"
	KeyBBWidth  = "bb_width"
	KeyEmotion  = "emotion_prediction"
	KeyGender   = "gender_prediction"
	KeyAge      = "age_prediction"
	TypeOverlay = "overlay"
	TypeConfig  = "config"
)

// LabelKey returns the display key for a classification capability.
func LabelKey(c Capability) string {
	switch c {
	case CapEmotion:
		return KeyEmotion
	case CapGender:
		return KeyGender
	case CapAge:
		return KeyAge
	}
	return ""
}

// UISnapshot mirrors the overlay for display sinks.
type UISnapshot struct {
	Type   string            `json:"type" msgpack:"type"`
	Values map[string]string `json:"values" msgpack:"values"`
	// Version increases with every applied overlay write.
	Version uint64 `json:"version" msgpack:"version"`
}
