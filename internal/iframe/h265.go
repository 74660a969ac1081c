package iframe

// HEVC NAL unit type range covering BLA, IDR, and CRA pictures, ITU-T
// H.265 Table 7-1. Any NAL type in [hevcNALBlaWLP, hevcNALCraNut] is a
// random-access point.
const (
	hevcNALBlaWLP = 16
	hevcNALCraNut = 21
)

// hevcNALType extracts the NAL unit type from an HEVC 2-byte NAL header:
// forbidden(1) | type(6) | layerID_high(1).
func hevcNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// parseAnnexBHEVC parses an HEVC Annex B byte stream into NAL units. Start
// codes are identical to H.264.
func parseAnnexBHEVC(data []byte) []nalUnit {
	return parseAnnexB(data, 2, func(d []byte) byte { return hevcNALType(d[0]) })
}

// hasHEVCKeyframe reports whether data (a raw TS packet payload) contains a
// BLA, IDR, or CRA slice.
func hasHEVCKeyframe(data []byte) bool {
	for _, nal := range parseAnnexBHEVC(data) {
		if nal.Type >= hevcNALBlaWLP && nal.Type <= hevcNALCraNut {
			return true
		}
	}
	return false
}
