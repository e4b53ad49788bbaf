package mirror

// H.264 NAL unit types used for access unit framing.
const (
	nalSliceNonIDR     = 1
	nalSliceIDR        = 5
	nalSEI             = 6
	nalSPS             = 7
	nalPPS             = 8
	nalAUD             = 9
	nalEndOfSequence   = 10
	nalEndOfStream     = 11
	nalPrefix          = 14
	nalReservedLast    = 18
	annexBStartCodeLen = 4
)

var annexBStartCode = []byte{0, 0, 0, 1}

// parseAnnexBNALUnits splits an Annex-B byte stream into NAL units without
// start codes.
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		if start >= 0 {
			end := i
			if end > start && data[end-1] == 0 {
				end-- // leading zero of a 4-byte start code
			}
			if end > start {
				nalUnits = append(nalUnits, data[start:end])
			}
		}
		start = i + 3
		i += 2
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}
	return nalUnits
}

// parameterSets returns the SPS and PPS NAL units of an Annex-B packet,
// each behind a 4-byte start code.
func parameterSets(data []byte) []byte {
	var out []byte
	for _, nal := range parseAnnexBNALUnits(data) {
		switch nal[0] & 0x1F {
		case nalSPS, nalPPS:
			out = append(out, annexBStartCode...)
			out = append(out, nal...)
		}
	}
	return out
}

// accessUnit is one complete coded picture with its leading non-VCL units.
type accessUnit struct {
	Data []byte
	PTS  int64
}

// accessUnitParser reassembles access units from an Annex-B byte stream
// that arrives in arbitrary chunks. A unit is complete once the first NAL of
// the next unit has been seen, or on flush.
type accessUnitParser struct {
	buf []byte
	pos int // next offset in buf to scan for a start code

	hasNAL   bool  // buf holds at least one NAL of the current unit
	seenVCL  bool  // current unit has a slice
	ended    bool  // current unit was closed by end of sequence/stream
	unitPTS  int64 // pts of the packet the current unit started in
	inputPTS int64
}

// Parse consumes data and returns a completed unit, if any. It may be
// called with empty data to extract further units already buffered; callers
// loop until no data is left and no unit is returned.
func (p *accessUnitParser) Parse(data []byte, pts int64) (int, *accessUnit) {
	if len(data) > 0 {
		p.buf = append(p.buf, data...)
		p.inputPTS = pts
	}
	return len(data), p.next()
}

// Flush returns the buffered partial unit.
func (p *accessUnitParser) Flush() *accessUnit {
	var unit *accessUnit
	if p.hasNAL && len(p.buf) > 0 {
		unit = &accessUnit{Data: append([]byte(nil), p.buf...), PTS: p.unitPTS}
	}
	p.Reset()
	return unit
}

// Reset drops all buffered data.
func (p *accessUnitParser) Reset() {
	p.buf = p.buf[:0]
	p.pos = 0
	p.hasNAL, p.seenVCL, p.ended = false, false, false
}

func (p *accessUnitParser) next() *accessUnit {
	b := p.buf
	i := p.pos
	for ; i+2 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 || b[i+2] != 1 {
			continue
		}
		h := i + 3
		if h+1 >= len(b) {
			// Need the NAL header and first payload byte to classify.
			break
		}
		start := i
		if start > 0 && b[start-1] == 0 {
			start--
		}

		if !p.hasNAL && start > 0 {
			// Bytes ahead of the first start code belong to no unit.
			p.buf = append(p.buf[:0], b[start:]...)
			p.pos = 0
			return p.next()
		}
		if p.hasNAL && p.startsUnit(b[h]&0x1F, b[h+1]) {
			unit := &accessUnit{Data: append([]byte(nil), b[:start]...), PTS: p.unitPTS}
			p.buf = append(p.buf[:0], b[start:]...)
			p.pos = 0
			p.hasNAL, p.seenVCL, p.ended = false, false, false
			return unit
		}
		p.observe(b[h] & 0x1F)
		i = h
	}
	p.pos = i
	return nil
}

// startsUnit reports whether a NAL of type t, whose first payload byte is
// first, begins a new access unit.
func (p *accessUnitParser) startsUnit(t, first byte) bool {
	if p.ended {
		return true
	}
	switch {
	case t == nalAUD:
		return true
	case t == nalSliceNonIDR || t == nalSliceIDR:
		// first_mb_in_slice is ue(v); a leading 1 bit encodes 0.
		return p.seenVCL && first&0x80 != 0
	case t == nalSEI || t == nalSPS || t == nalPPS || (t >= nalPrefix && t <= nalReservedLast):
		return p.seenVCL
	default:
		return false
	}
}

func (p *accessUnitParser) observe(t byte) {
	if !p.hasNAL {
		p.hasNAL = true
		p.unitPTS = p.inputPTS
	}
	switch t {
	case nalSliceNonIDR, nalSliceIDR:
		p.seenVCL = true
	case nalEndOfSequence, nalEndOfStream:
		p.ended = true
	}
}

// isKeyframeAU reports whether an access unit contains an IDR slice.
func isKeyframeAU(data []byte) bool {
	for _, nal := range parseAnnexBNALUnits(data) {
		if nal[0]&0x1F == nalSliceIDR {
			return true
		}
	}
	return false
}
