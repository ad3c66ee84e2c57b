package ble

import "errors"

// Error kinds reported through failure callbacks. Callers wrap them with
// context via fmt.Errorf("...: %w", Err...) and match with errors.Is.
var (
	ErrAlreadyInProgress          = errors.New("already in progress")
	ErrAlreadyConnected           = errors.New("already connected")
	ErrAlreadyConnectedSameDevice = errors.New("already connected to this device")
	ErrNotConnected               = errors.New("not connected")
	ErrWrongDevice                = errors.New("wrong device")
	ErrNotReady                   = errors.New("connection not ready")
	ErrNotWritable                = errors.New("characteristic not writable")
	ErrServiceCreationFailed      = errors.New("service creation failed")
	ErrPlatform                   = errors.New("platform error")
	ErrNotImplemented             = errors.New("NOT IMPLEMENTED")
	ErrStaleCallback              = errors.New("stale callback")
	ErrNoScanRunning              = errors.New("no scan is running")
	ErrNotSubscribed              = errors.New("not subscribed")
	ErrInvalidArgument            = errors.New("invalid argument")
	ErrInvalidTransition          = errors.New("invalid transition")
	ErrCanceled                   = errors.New("canceled")
)
