//go:build zmq

package capture

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"facecam-go/internal/logging"
)

// ZMQSource pulls frames from a ZeroMQ PUSH publisher, one frame per message. A
// message is either a bare JPEG or a CBOR envelope {type: "image", image_id, data}.
type ZMQSource struct {
	latest
	socket *zmq4.Socket
	done   chan struct{}
}

const zmqPollTimeout = 200 * time.Millisecond

func NewZMQSource(ctx context.Context, logger *zap.SugaredLogger, endpoint string) (*ZMQSource, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(zmqPollTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	s := &ZMQSource{socket: socket, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer socket.Close()
		every := logging.NewEveryN(100)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				if every.Allow() {
					logger.Debugw("frame recv error", "error", err)
				}
				continue
			}
			img, err := decodeZMQFrame(msg)
			if err != nil {
				s.failed.Add(1)
				if every.Allow() {
					logger.Debugw("dropping undecodable frame", "error", err)
				}
				continue
			}
			s.publish(img)
		}
	}()
	return s, nil
}

// Close waits for the receive loop; cancel the context passed to NewZMQSource first.
func (s *ZMQSource) Close() error {
	<-s.done
	return nil
}
