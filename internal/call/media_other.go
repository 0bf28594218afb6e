//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"
)

// DeviceSource has no capture drivers outside Linux.
type DeviceSource struct{}

func newDeviceSource(MediaOptions) MediaSource { return DeviceSource{} }

func (DeviceSource) Acquire(context.Context) (LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaUnavailable, runtime.GOOS)
}
