package platform

import "errors"

var (
	ErrClosed        = errors.New("platform: container closed")
	ErrScriptFetch   = errors.New("platform: worker script fetch failed")
	ErrInvalidScript = errors.New("platform: invalid worker script")
	ErrInstall       = errors.New("platform: worker install failed")
	ErrRedundant     = errors.New("platform: worker is redundant")
	ErrUnregistered  = errors.New("platform: registration was removed")
)
