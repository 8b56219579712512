// Package config holds operational defaults for the OTA engine, app
// manager, scheduler, buffer pool, and the event-bus/cloud-push network
// endpoints, with environment-variable overrides parsed the same way the
// upstream firmware parses its override files: read, trim, attempt a typed
// parse, fall back to the default on any failure or absence.
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for flash/OTA geometry and timing (SPEC_FULL §4.3).
const (
	DefaultFlashPageSize      = 4096 // bytes; the staging buffer size
	DefaultFlashWriteAlign    = 4    // bytes
	DefaultSecondarySlotSize  = 1 << 20
	DefaultOTACompletionWait  = 30 * time.Second
	DefaultOTAQueuePutWait    = 1 * time.Second
	DefaultOTAQueueDepth      = 8
	DefaultProgressReportStep = 8192 // bytes
	FirmwareImageMagic        = uint32(0x3DB8F396)
)

// Defaults for the application manager (SPEC_FULL §4.5/§4.6).
const (
	DefaultMaxApps         = 16
	DefaultMaxRunningApps  = 8
	DefaultMaxAppBinary    = 256 * 1024
	DefaultHandlersPerType = 2
	RegistryMagic          = uint32(0x414B4150)
	RegistryVersion        = uint8(1)
)

// Defaults for the cooperative scheduler (SPEC_FULL §4.7).
const (
	DefaultTimeSliceMs = 10
	DefaultMaxTasks    = 32
)

// Defaults for the buffer pool (SPEC_FULL §4.2).
const (
	DefaultBufferCount = 8
	DefaultBufferSize  = 1536
)

// Default network endpoints for the event bus and cloud-push transport.
const (
	DefaultEventBusBroker   = "127.0.0.1:1883"
	DefaultCloudPushListen  = ":4242"
	DefaultEventBusClientID = "wasmos"
)

// FlashPageSize returns DefaultFlashPageSize unless overridden by
// WASMOS_FLASH_PAGE_SIZE.
func FlashPageSize() int { return intOverride("WASMOS_FLASH_PAGE_SIZE", DefaultFlashPageSize) }

// FlashWriteAlign returns DefaultFlashWriteAlign unless overridden by
// WASMOS_FLASH_WRITE_ALIGN.
func FlashWriteAlign() int { return intOverride("WASMOS_FLASH_WRITE_ALIGN", DefaultFlashWriteAlign) }

// SecondarySlotSize returns DefaultSecondarySlotSize unless overridden by
// WASMOS_SLOT_SIZE.
func SecondarySlotSize() int { return intOverride("WASMOS_SLOT_SIZE", DefaultSecondarySlotSize) }

// OTACompletionWait returns the per-call completion timeout for OTA public
// APIs, DefaultOTACompletionWait unless overridden by WASMOS_OTA_TIMEOUT
// (a time.ParseDuration string, e.g. "30s").
func OTACompletionWait() time.Duration {
	return durationOverride("WASMOS_OTA_TIMEOUT", DefaultOTACompletionWait)
}

// OTAQueuePutWait returns the enqueue timeout, DefaultOTAQueuePutWait unless
// overridden by WASMOS_OTA_QUEUE_TIMEOUT.
func OTAQueuePutWait() time.Duration {
	return durationOverride("WASMOS_OTA_QUEUE_TIMEOUT", DefaultOTAQueuePutWait)
}

// MaxRunningApps returns DefaultMaxRunningApps unless overridden by
// WASMOS_MAX_RUNNING_APPS.
func MaxRunningApps() int { return intOverride("WASMOS_MAX_RUNNING_APPS", DefaultMaxRunningApps) }

// MaxAppBinarySize returns DefaultMaxAppBinary unless overridden by
// WASMOS_MAX_APP_BINARY.
func MaxAppBinarySize() int { return intOverride("WASMOS_MAX_APP_BINARY", DefaultMaxAppBinary) }

// TimeSlice returns the scheduler's default task time slice,
// DefaultTimeSliceMs milliseconds unless overridden by WASMOS_TIME_SLICE_MS.
func TimeSlice() time.Duration {
	ms := intOverride("WASMOS_TIME_SLICE_MS", DefaultTimeSliceMs)
	return time.Duration(ms) * time.Millisecond
}

// EventBusBroker returns the MQTT broker address the event bus publishes
// to. Format "host:port". Returns DefaultEventBusBroker unless overridden
// by WASMOS_EVENTBUS_BROKER.
func EventBusBroker() (netip.AddrPort, error) {
	addr := DefaultEventBusBroker
	if v := strings.TrimSpace(os.Getenv("WASMOS_EVENTBUS_BROKER")); v != "" {
		addr = v
	}
	return netip.ParseAddrPort(addr)
}

// EventBusClientID returns the MQTT client ID used by the event bus,
// DefaultEventBusClientID unless overridden by WASMOS_EVENTBUS_CLIENT_ID.
func EventBusClientID() string {
	if v := strings.TrimSpace(os.Getenv("WASMOS_EVENTBUS_CLIENT_ID")); v != "" {
		return v
	}
	return DefaultEventBusClientID
}

// CloudPushListen returns the listen address for the cloud-push firmware
// transport, DefaultCloudPushListen unless overridden by
// WASMOS_CLOUDPUSH_LISTEN.
func CloudPushListen() string {
	if v := strings.TrimSpace(os.Getenv("WASMOS_CLOUDPUSH_LISTEN")); v != "" {
		return v
	}
	return DefaultCloudPushListen
}

// ConsolePassword returns the debug console's authentication password,
// set via WASMOS_CONSOLE_PASSWORD. While it is empty (the default) the
// console refuses all connections (SPEC_FULL §9: console access is opt-in).
func ConsolePassword() string {
	return os.Getenv("WASMOS_CONSOLE_PASSWORD")
}

func intOverride(envVar string, def int) int {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationOverride(envVar string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
