// Package frameenc converts canvas snapshots to and from the base64 JPEG data URIs
// exchanged with the inference backend.
package frameenc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

const jpegURIPrefix = "data:image/jpeg;base64,"

var ErrNotDataURI = errors.New("not a base64 data URI")

// EncodeJPEG compresses img at quality (1..100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURI encodes img as a JPEG data URI.
func DataURI(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return jpegURIPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// DecodeDataURI decodes an image data URI. Like the backend, it only looks at the part
// after the first comma.
func DecodeDataURI(uri string) (image.Image, error) {
	head, body, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasPrefix(head, "data:") || !strings.HasSuffix(head, ";base64") {
		return nil, ErrNotDataURI
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return imaging.Decode(bytes.NewReader(data))
}
