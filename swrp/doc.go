// Package swrp implements the SWRP wire protocol: the fixed 16-byte packet
// header, the CRC32C trailer, and the typed payloads exchanged between a
// SerialWarp source and sink over the USB link.
//
// All integers on the wire are little-endian. A packet is
//
//	header (16) | payload (payload_length) | crc32c (4)
//
// where the checksum covers header and payload. Payload layouts are fixed
// per packet type and defined in payload.go.
package swrp
