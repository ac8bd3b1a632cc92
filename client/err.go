package client

import (
	"errors"

	"github.com/ValerySidorin/hubdevice/handler"
)

var (
	ErrClosed              = handler.ErrClosed
	ErrNoTransportSettings = errors.New("no transport settings")
	ErrUnsupportedProtocol = errors.New("unsupported transport protocol")
	ErrUnknownRequest      = errors.New("method response for unknown request id")
	ErrEmptyMethodName     = errors.New("empty method name")
	ErrNilResponse         = errors.New("nil method response")
	ErrEmptyPoolSize       = errors.New("empty pool size")
)
