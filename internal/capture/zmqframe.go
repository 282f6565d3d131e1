package capture

import (
	"fmt"
	"image"

	"github.com/fxamacker/cbor/v2"
)

// frameEnvelope is the CBOR framing used by frame publishers that tag their messages.
type frameEnvelope struct {
	Type    string `cbor:"type"`
	ImageID int64  `cbor:"image_id"`
	Data    []byte `cbor:"data"`
}

func decodeZMQFrame(msg []byte) (image.Image, error) {
	if len(msg) >= 2 && msg[0] == 0xFF && msg[1] == 0xD8 {
		return decodeJPEG(msg)
	}
	var env frameEnvelope
	if err := cbor.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("frame is neither jpeg nor cbor: %w", err)
	}
	if env.Type != "image" {
		return nil, fmt.Errorf("%w: message type %q", ErrNoFrame, env.Type)
	}
	return decodeJPEG(env.Data)
}
