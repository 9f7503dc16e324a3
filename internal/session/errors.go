package session

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is the stop reason when the remote side ended the stream
// without an error.
var ErrStreamClosed = errors.New("session: stream closed by remote")

// DeviceAcquisitionError is returned by [Controller.Start] when a microphone
// or audio context could not be acquired. Everything acquired before the
// failure has been released when it is returned.
type DeviceAcquisitionError struct {
	// Device names the resource that failed: "microphone", "input",
	// "output" or "capture".
	Device string
	Err    error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("session: acquire %s: %v", e.Device, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }
