package swrp

import "hash/crc32"

// castagnoli is the CRC32C (polynomial 0x1EDC6F41) table. hash/crc32 uses
// hardware CRC instructions for this table on amd64 and arm64.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}
