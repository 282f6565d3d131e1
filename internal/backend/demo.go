package backend

import (
	"encoding/json"
	"image"
	"strconv"
	"sync/atomic"

	"facecam-go/internal/frameenc"
	"facecam-go/internal/types"
)

// Route binds a namespace and request event to the reply a capability produces.
type Route struct {
	Capability    types.Capability
	Namespace     string
	RequestEvent  string
	ResponseEvent string
}

// DemoResponder answers requests without a model: the region is the bounding box of
// skin-toned pixels and the labels are derived from it. Frames without such pixels
// get no reply, as with the real backend when no face is found.
func DemoResponder(routes []Route) Responder {
	var emotionTurn atomic.Uint64
	return func(namespace, event string, payload json.RawMessage) (string, any, bool) {
		var route *Route
		for i := range routes {
			if routes[i].Namespace == namespace && routes[i].RequestEvent == event {
				route = &routes[i]
				break
			}
		}
		if route == nil {
			return "", nil, false
		}
		var req types.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return "", nil, false
		}
		img, err := frameenc.DecodeDataURI(req.Data)
		if err != nil {
			return "", nil, false
		}
		face, ok := FindSkin(img)
		if !ok {
			return "", nil, false
		}
		switch route.Capability {
		case types.CapRegion:
			// bb_height carries the box width and bb_width its height, like the
			// Python backend's (x, y, w, h) unpacking.
			return route.ResponseEvent, RegionReply(face.Min.X, face.Min.Y, face.Dx(), face.Dy()), true
		case types.CapEmotion:
			turn := emotionTurn.Add(1) - 1
			return route.ResponseEvent, LabelReply(types.EmotionLabels[turn%uint64(len(types.EmotionLabels))]), true
		case types.CapGender:
			return route.ResponseEvent, LabelReply(types.GenderLabels[(face.Min.X/16)%2]), true
		case types.CapAge:
			return route.ResponseEvent, LabelReply(strconv.Itoa(18 + face.Dx()%50)), true
		}
		return "", nil, false
	}
}

// FindSkin returns the bounding box of pixels close to the simulator's face color.
func FindSkin(img image.Image) (image.Rectangle, bool) {
	b := img.Bounds()
	box := image.Rectangle{}
	found := false
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			r, g, bl = r>>8, g>>8, bl>>8
			if r < 180 || g < 130 || g > 210 || bl > 150 || r < g {
				continue
			}
			p := image.Rect(x, y, x+1, y+1)
			if !found {
				box = p
				found = true
				continue
			}
			box = box.Union(p)
		}
	}
	return box, found
}
