package iframe

// nalTypeIDR is the H.264 IDR slice NAL type, ITU-T H.264 Table 7-1.
const nalTypeIDR = 5

// nalUnit is a parsed NAL unit: its type and raw data including the NAL
// header byte, without the Annex B start code.
type nalUnit struct {
	Type byte
	Data []byte
}

// parseAnnexB scans an Annex B byte stream for 3-byte (0x000001) and 4-byte
// (0x00000001) start codes and extracts NAL units, using nalTypeFunc to pull
// the codec-specific type out of each NAL's header byte(s).
func parseAnnexB(data []byte, minNALBytes int, nalTypeFunc func([]byte) byte) []nalUnit {
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

	var units []nalUnit
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
		if len(nalData) < minNALBytes {
			continue
		}
		units = append(units, nalUnit{Type: nalTypeFunc(nalData), Data: nalData})
	}

	return units
}

// parseAnnexBH264 parses an H.264 Annex B byte stream into NAL units.
func parseAnnexBH264(data []byte) []nalUnit {
	return parseAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// hasH264Keyframe reports whether data (a raw TS packet payload, which for
// a PUSI packet begins with the PES header immediately followed by Annex B
// NAL units) contains an IDR slice.
func hasH264Keyframe(data []byte) bool {
	for _, nal := range parseAnnexBH264(data) {
		if nal.Type == nalTypeIDR {
			return true
		}
	}
	return false
}
