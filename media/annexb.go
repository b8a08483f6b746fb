package media

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// NALUnit is one parsed H.264 NAL unit.
type NALUnit struct {
	Type byte   // 5-bit NAL type
	Data []byte // raw NAL data including the header byte, without start code
}

// ParseAnnexB scans an H.264 Annex-B byte stream and extracts NAL units.
// Both 3-byte (0x000001) and 4-byte (0x00000001) start codes are
// recognized. NAL data aliases the input.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{
			Type: nalData[0] & 0x1F,
			Data: nalData,
		})
	}
	return units
}

// IsKeyframe reports whether an Annex-B access unit contains an IDR slice
// or an SPS. The wire does not carry a keyframe flag; the sink calls this
// on each reassembled frame to recover it from the bitstream.
func IsKeyframe(accessUnit []byte) bool {
	for _, nalu := range ParseAnnexB(accessUnit) {
		switch nalu.Type {
		case NALTypeIDR, NALTypeSPS:
			return true
		}
	}
	return false
}
