package worker

import "errors"

var (
	ErrNetwork      = errors.New("worker: network request failed")
	ErrTimeout      = errors.New("worker: network timeout")
	ErrNotInstalled = errors.New("worker: static cache not installed")
)
