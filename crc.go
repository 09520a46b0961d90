package busphy

import "github.com/sigurn/crc16"

// crcTable is the CCITT-FALSE parameterization: poly 0x1021, init 0xFFFF, no
// input or output reflection, no final XOR — the variant spec.md calls
// "CRC-16/CCITT" (§4.4).
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// computeCRC returns the CRC-16/CCITT of data.
func computeCRC(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
