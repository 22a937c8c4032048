package backup

import (
	"context"
	"errors"
)

var (
	// ErrMirrorNotConnected means the owner has not authorized the mirror or
	// the connection was deactivated after repeated auth failures.
	ErrMirrorNotConnected = errors.New("cloud mirror is not connected for this owner")
	// ErrMirrorDisabled is returned by NoopMirror for operations that need a
	// configured mirror.
	ErrMirrorDisabled = errors.New("cloud mirror is not configured")
)

// NoopMirror is the Mirror used when no cloud drive is configured.
type NoopMirror struct{}

// Enabled implements Mirror.
func (NoopMirror) Enabled() bool { return false }

// AuthURL implements Mirror.
func (NoopMirror) AuthURL(string) (string, error) { return "", ErrMirrorDisabled }

// Connect implements Mirror.
func (NoopMirror) Connect(context.Context, string, string) error { return ErrMirrorDisabled }

// Upload implements Mirror.
func (NoopMirror) Upload(context.Context, string, string, []byte) (string, error) {
	return "", ErrMirrorNotConnected
}

// Delete implements Mirror.
func (NoopMirror) Delete(context.Context, string, string) error { return nil }
