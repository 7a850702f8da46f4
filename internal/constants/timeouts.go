package constants

import "time"

// Shared duration vocabulary used by timeouts, polling and retry checks.
// Keep these centralized to simplify system-wide timing tuning.
const (
	Duration50Milliseconds  = 50 * time.Millisecond
	Duration100Milliseconds = 100 * time.Millisecond
	Duration250Milliseconds = 250 * time.Millisecond
	Duration500Milliseconds = 500 * time.Millisecond

	Duration1Second   = 1 * time.Second
	Duration2Seconds  = 2 * time.Second
	Duration3Seconds  = 3 * time.Second
	Duration5Seconds  = 5 * time.Second
	Duration10Seconds = 10 * time.Second
	Duration15Seconds = 15 * time.Second
	Duration30Seconds = 30 * time.Second

	Duration5Minutes = 5 * time.Minute
	Duration1Hour    = 1 * time.Hour
)

// Domain-level timeout constants.
const (
	DeviceWSPingInterval = Duration30Seconds
	DeviceWSPingTimeout  = Duration5Seconds
	DeviceWSWriteTimeout = Duration10Seconds

	// DeviceOfflineMarkTimeout bounds the best-effort store update issued
	// after a device connection ends.
	DeviceOfflineMarkTimeout = Duration3Seconds

	UpstreamDialTimeout  = Duration15Seconds
	UpstreamWriteTimeout = Duration10Seconds

	ToolBackendConnectTimeout = Duration15Seconds
	ToolBackendCallTimeout    = Duration30Seconds

	SessionTokenTTL          = Duration1Hour
	SessionTokenSweepPeriod  = Duration5Minutes
	AdminHTTPShutdownTimeout = Duration5Seconds
)
