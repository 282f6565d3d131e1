// Package capture provides the live frame sources the renderer draws from.
//
// A source keeps only the latest decoded frame: a new frame replaces the previous one
// whether or not it was drawn, so a slow renderer never sees a backlog.
package capture

import (
	"bytes"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
)

// ErrNoFrame is returned by Decode helpers when a payload holds no image.
var ErrNoFrame = errors.New("no frame available")

// Source is a live camera feed.
type Source interface {
	// Dimensions reports the size of the latest frame; zero before the first frame.
	Dimensions() (width, height int)
	// Frame returns the latest frame, or false while the camera is not ready.
	Frame() (image.Image, bool)
	Close() error
}

// Stats counts mailbox activity.
type Stats struct {
	Published uint64
	Replaced  uint64
	Failed    uint64
}

// latest is the single-slot mailbox shared by every source implementation.
type latest struct {
	mu       sync.RWMutex
	img      image.Image
	consumed bool

	published atomic.Uint64
	replaced  atomic.Uint64
	failed    atomic.Uint64
}

func (l *latest) publish(img image.Image) {
	l.mu.Lock()
	if l.img != nil && !l.consumed {
		l.replaced.Add(1)
	}
	l.img = img
	l.consumed = false
	l.mu.Unlock()
	l.published.Add(1)
}

func (l *latest) Dimensions() (int, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.img == nil {
		return 0, 0
	}
	b := l.img.Bounds()
	return b.Dx(), b.Dy()
}

func (l *latest) Frame() (image.Image, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.img == nil {
		return nil, false
	}
	l.consumed = true
	return l.img, true
}

func (l *latest) Stats() Stats {
	return Stats{
		Published: l.published.Load(),
		Replaced:  l.replaced.Load(),
		Failed:    l.failed.Load(),
	}
}

// decodeJPEG decodes one encoded frame.
func decodeJPEG(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrNoFrame
	}
	return imaging.Decode(bytes.NewReader(data))
}
