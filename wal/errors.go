package wal

import "errors"

// ErrClosed is returned when the log is used after Close.
var ErrClosed = errors.New("wal: closed")
