package usbip

import "time"

// SetTimings shortens the polling and backoff intervals for tests.
func SetTimings(step time.Duration, timeout time.Duration, backoff time.Duration) (restore func()) {
	oldStep, oldTimeout, oldBackoff := waitForDeviceReadyStep, waitForDeviceReadyTimeout, attachBackoff
	waitForDeviceReadyStep = step
	waitForDeviceReadyTimeout = timeout
	attachBackoff.Duration = backoff
	return func() {
		waitForDeviceReadyStep, waitForDeviceReadyTimeout, attachBackoff = oldStep, oldTimeout, oldBackoff
	}
}
