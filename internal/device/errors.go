package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a restored device record is unusable.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidType is returned when a device type is empty or too long.
	ErrInvalidType = errors.New("device: invalid type")

	// ErrInvalidLocation is returned when a location tag is too long.
	ErrInvalidLocation = errors.New("device: invalid location")

	// ErrUnsupportedChannel is returned by Observe for channels other than data and status.
	ErrUnsupportedChannel = errors.New("device: channel not observed by registry")
)
