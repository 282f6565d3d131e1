//go:build !zmq

package capture

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrZMQDisabled is returned by NewZMQSource in builds without the zmq tag.
var ErrZMQDisabled = errors.New("zmq source not enabled; build with -tags zmq")

type ZMQSource struct {
	latest
}

func NewZMQSource(_ context.Context, _ *zap.SugaredLogger, _ string) (*ZMQSource, error) {
	return nil, ErrZMQDisabled
}

func (s *ZMQSource) Close() error {
	return nil
}
