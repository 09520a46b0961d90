package busphy

// Bus configuration and the fixed microsecond timing table.
//
// The timing constants below are pinned to the 125kBaud reference rate
// regardless of the UART's configured operating baud: the low-pulse and
// inter-byte spacing windows are properties of the bus wiring and the
// remote device's pulse-detection hardware, not of the local UART's symbol
// rate. Only the RX timeout deadline (computeRxDeadlineUs) is derived from
// the actual configured baud, per spec.

const (
	// ByteAtBaud is the time to transmit one byte (8 data bits, 1 start
	// bit, 1 stop bit) at the 125kBaud reference rate.
	ByteAtBaud = 80 // microseconds

	// MaxInterByteSpacing is the maximum permitted time between bytes
	// within a single frame.
	MaxInterByteSpacing = 2 * ByteAtBaud

	// MinInterFrameSpacing is the minimum idle-high gap required between
	// two successive packets on the wire.
	MinInterFrameSpacing = 2 * ByteAtBaud

	// BusNormalityPeriod is the quiesce time after an error before the
	// layer starts listening again.
	BusNormalityPeriod = 2 * ByteAtBaud

	// MinInterLoDataSpacing is the minimum delay a transmitter waits after
	// the start pulse before UART bytes begin.
	MinInterLoDataSpacing = 40 // microseconds

	// MaxInterLoDataSpacing is the maximum delay permitted between a
	// start pulse and data bytes beginning; also the low-pulse
	// surveillance threshold.
	MaxInterLoDataSpacing = 3 * ByteAtBaud // 240

	// TxMaxBackoff bounds the randomized jitter applied before retrying a
	// queued transmission.
	TxMaxBackoff = 1000 // microseconds

	// StartPulseWidth is the duration of the low pulse a transmitter
	// drives before sending a frame.
	StartPulseWidth = 10 // microseconds

	// DefaultBaud is the normal operating baud rate of the bus.
	DefaultBaud = 1_000_000

	// DefaultQueueCapacity is the default number of packet slots held by
	// each of the RX and TX ring queues.
	DefaultQueueCapacity = 10

	// rxTimeoutFactor is the unexplained constant from the original
	// source: 10 bits per UART symbol times a safety factor of 10 over
	// the theoretical minimum. Kept as-is and documented, per spec.
	rxTimeoutFactor = 100
)

// Config configures a Bus instance. NewBus replaces any zero field with its
// DefaultConfig value; use DefaultConfig to obtain sane defaults and
// override selectively.
type Config struct {
	// Baud is the UART operating baud rate in bits per second.
	Baud uint32

	// RXQueueCapacity and TXQueueCapacity bound the number of packets each
	// direction's ring queue can hold before further enqueues are dropped.
	RXQueueCapacity int
	TXQueueCapacity int
}

// DefaultConfig returns the normal-operation configuration: 1 Mbps, 10 slots
// per direction.
func DefaultConfig() Config {
	return Config{
		Baud:            DefaultBaud,
		RXQueueCapacity: DefaultQueueCapacity,
		TXQueueCapacity: DefaultQueueCapacity,
	}
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.RXQueueCapacity <= 0 {
		c.RXQueueCapacity = DefaultQueueCapacity
	}
	if c.TXQueueCapacity <= 0 {
		c.TXQueueCapacity = DefaultQueueCapacity
	}
	return c
}

// computeRxDeadlineUs returns the microsecond deadline, measured from the
// moment the bus entered Receiving, after which an incomplete DMA read is
// treated as a bus timeout rather than merely slow.
//
// The spec's original formula expresses this as a tick count,
// (1e6/baud) * rxTimeoutFactor * packetSize / tickPeriodUs; multiplying
// back by tickPeriodUs to recover a microsecond deadline cancels the tick
// period out, so it is computed directly here.
func computeRxDeadlineUs(baud uint32, packetSize int) uint64 {
	if baud == 0 {
		baud = DefaultBaud
	}
	return (1_000_000 * uint64(rxTimeoutFactor) * uint64(packetSize)) / uint64(baud)
}
