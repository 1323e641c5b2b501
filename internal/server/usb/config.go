package usb

import "time"

// ServerConfig holds the listener and attached-session tuning knobs for the
// USB/IP server subcommand.
type ServerConfig struct {
	Addr              string        `help:"USB/IP server listen address" default:":3240" env:"USBIPD_ADDR"`
	ConnectionTimeout time.Duration `help:"Idle timeout while waiting for a management command" default:"30s" env:"USBIPD_CONN_TIMEOUT"`

	MaxInFlightPerEndpoint int           `help:"Max in-flight URBs per endpoint before the reader suspends" default:"32" env:"USBIPD_MAX_INFLIGHT_PER_EP"`
	MaxOutstandingBytes    int64         `help:"Max outstanding IN/OUT payload bytes per session" default:"67108864" env:"USBIPD_MAX_OUTSTANDING_BYTES"`
	MaxTransferBufferLen   uint32        `help:"Reject CMD_SUBMIT frames whose transfer_buffer_length exceeds this cap" default:"16777216" env:"USBIPD_MAX_TRANSFER_LEN"`
	UnlinkDrainTimeout     time.Duration `help:"Bound on cancelling in-flight URBs after a session is torn down" default:"500ms" env:"USBIPD_UNLINK_DRAIN_TIMEOUT"`

	WriteBatchFlushInterval time.Duration `help:"Interval to flush write batches to clients; 0 to disable" default:"1ms" env:"USBIPD_WRITE_BATCH_FLUSH_INTERVAL"`
}

func (c *ServerConfig) setDefaults() {
	if c.MaxInFlightPerEndpoint <= 0 {
		c.MaxInFlightPerEndpoint = 32
	}
	if c.MaxOutstandingBytes <= 0 {
		c.MaxOutstandingBytes = 64 * 1024 * 1024
	}
	if c.MaxTransferBufferLen == 0 {
		c.MaxTransferBufferLen = 16 * 1024 * 1024
	}
	if c.UnlinkDrainTimeout <= 0 {
		c.UnlinkDrainTimeout = 500 * time.Millisecond
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
}
