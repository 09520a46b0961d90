package busphy

import "encoding/binary"

// Packet is the bus wire-format record: a 16-byte header followed by up to
// MaxPayloadSize bytes of payload (spec §3). The in-memory layout keeps the
// payload in a fixed array so packets can be pooled without further
// allocation; only HeaderSize+Size bytes of it are ever placed on the wire.
const (
	// ProtocolVersion is the only version this layer accepts or emits.
	ProtocolVersion = 1

	// HeaderSize is the size, in bytes, of the fixed packet header.
	HeaderSize = 16

	// MaxPayloadSize is the largest payload a packet may carry.
	MaxPayloadSize = 236

	// MaxFrameSize is the header plus the largest possible payload; this
	// is the length requested for every DMA receive, since the actual
	// size is not known until the header has arrived.
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// FlagDeviceIsRecipient marks device_identifier as the intended
	// recipient of the packet rather than its source.
	FlagDeviceIsRecipient = 0x01

	// MaxServiceNumber is the highest valid service_number value.
	MaxServiceNumber = 15
)

// Packet mirrors the wire header field-for-field (spec §3).
type Packet struct {
	CRC              uint16
	Version          uint8
	SerialFlags      uint8
	DeviceIdentifier uint64
	Size             uint8
	ServiceNumber    uint8
	ServiceCommand   uint8
	ServiceFlags     uint8
	Data             [MaxPayloadSize]byte
}

// NewPacket builds a packet carrying payload, addressed to/from device
// according to isRecipient. len(payload) must be at most MaxPayloadSize.
func NewPacket(payload []byte, serviceNumber, serviceCommand uint8, device uint64, isRecipient bool) (*Packet, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrInvalidParameter
	}
	if serviceNumber > MaxServiceNumber {
		return nil, ErrInvalidParameter
	}
	p := &Packet{
		Version:          ProtocolVersion,
		DeviceIdentifier: device,
		Size:             uint8(len(payload)),
		ServiceNumber:    serviceNumber,
		ServiceCommand:   serviceCommand,
	}
	if isRecipient {
		p.SerialFlags |= FlagDeviceIsRecipient
	}
	copy(p.Data[:], payload)
	return p, nil
}

// Payload returns the slice of Data actually carrying payload bytes.
func (p *Packet) Payload() []byte {
	return p.Data[:p.Size]
}

// encode writes the header plus p.Size payload bytes into buf, which must
// be at least HeaderSize+int(p.Size) long, and returns the number of bytes
// written.
func (p *Packet) encode(buf []byte) int {
	binary.LittleEndian.PutUint16(buf[0:2], p.CRC)
	buf[2] = p.Version
	buf[3] = p.SerialFlags
	binary.LittleEndian.PutUint64(buf[4:12], p.DeviceIdentifier)
	buf[12] = p.Size
	buf[13] = p.ServiceNumber
	buf[14] = p.ServiceCommand
	buf[15] = p.ServiceFlags
	n := copy(buf[HeaderSize:], p.Data[:p.Size])
	return HeaderSize + n
}

// MarshalBinary returns the exact bytes transmitted on the wire for this
// packet: the header followed by exactly Size payload bytes, with no
// trailing alignment padding (spec §9).
func (p *Packet) MarshalBinary() ([]byte, error) {
	if int(p.Size) > MaxPayloadSize {
		return nil, ErrInvalidParameter
	}
	buf := make([]byte, HeaderSize+int(p.Size))
	p.encode(buf)
	return buf, nil
}

// crcSpan returns the bytes the CRC is computed over: every header byte
// after the CRC field itself, through the declared payload (spec §3, §4.4,
// and the resolved ambiguity recorded in SPEC_FULL.md).
func (p *Packet) crcSpan() []byte {
	buf := make([]byte, HeaderSize+int(p.Size))
	p.encode(buf)
	return buf[2:]
}

// ComputeCRC returns the CRC-16/CCITT that should accompany this packet's
// current contents.
func (p *Packet) ComputeCRC() uint16 {
	return computeCRC(p.crcSpan())
}

// VerifyCRC reports whether the packet's CRC field matches its recomputed
// CRC.
func (p *Packet) VerifyCRC() bool {
	return p.CRC == p.ComputeCRC()
}

// UnmarshalPacket parses a received frame. Once a full header is present it
// returns a non-nil Packet with whatever header fields could be decoded, even
// on error, so a caller can inspect what arrived; a buffer shorter than
// HeaderSize yields a nil Packet and ErrMalformed. The Bus only acts on the
// error.
func UnmarshalPacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrMalformed
	}
	p := &Packet{
		CRC:              binary.LittleEndian.Uint16(buf[0:2]),
		Version:          buf[2],
		SerialFlags:      buf[3],
		DeviceIdentifier: binary.LittleEndian.Uint64(buf[4:12]),
		Size:             buf[12],
		ServiceNumber:    buf[13],
		ServiceCommand:   buf[14],
		ServiceFlags:     buf[15],
	}
	if p.Version != ProtocolVersion {
		return p, ErrBadVersion
	}
	if int(p.Size) > MaxPayloadSize {
		return p, ErrOversize
	}
	if len(buf) < HeaderSize+int(p.Size) {
		return p, ErrMalformed
	}
	copy(p.Data[:p.Size], buf[HeaderSize:HeaderSize+int(p.Size)])
	if !p.VerifyCRC() {
		return p, ErrCRCMismatch
	}
	return p, nil
}
