package mirror

import (
	"bytes"
	"testing"
)

func TestParseAnnexBNALUnits(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		types []byte
	}{
		{"four byte start codes", concat(testSPS, testPPS, testIDR), []byte{nalSPS, nalPPS, nalSliceIDR}},
		{"three byte start code", []byte{0, 0, 1, 0x09, 0xf0, 0, 0, 1, 0x41, 0x9a}, []byte{nalAUD, nalSliceNonIDR}},
		{"leading garbage", append([]byte{0xAA, 0xBB}, testSlice1...), []byte{nalSliceNonIDR}},
		{"no start code", []byte{1, 2, 3}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nals := parseAnnexBNALUnits(tt.data)
			if len(nals) != len(tt.types) {
				t.Fatalf("Expected %d NAL units, got %d", len(tt.types), len(nals))
			}
			for i, nal := range nals {
				if nal[0]&0x1F != tt.types[i] {
					t.Errorf("NAL %d type = %d, want %d", i, nal[0]&0x1F, tt.types[i])
				}
			}
		})
	}
}

func TestParameterSets(t *testing.T) {
	got := parameterSets(concat(testSPS, testPPS, testIDR))
	if !bytes.Equal(got, concat(testSPS, testPPS)) {
		t.Errorf("parameterSets = %x", got)
	}
	if parameterSets(testSlice1) != nil {
		t.Error("Slice reported parameter sets")
	}
}

func TestIsKeyframeAU(t *testing.T) {
	if !isKeyframeAU(concat(testSPS, testPPS, testIDR)) {
		t.Error("IDR unit not detected as keyframe")
	}
	if isKeyframeAU(testSlice1) {
		t.Error("Non-IDR slice detected as keyframe")
	}
}

// parseAll feeds chunks through the parser and returns every unit, including
// the one left on flush.
func parseAll(p *accessUnitParser, chunks ...[]byte) [][]byte {
	var units [][]byte
	for i, chunk := range chunks {
		data := chunk
		for {
			n, unit := p.Parse(data, int64(i))
			data = data[n:]
			if unit != nil {
				units = append(units, unit.Data)
			}
			if unit == nil && len(data) == 0 {
				break
			}
		}
	}
	if unit := p.Flush(); unit != nil {
		units = append(units, unit.Data)
	}
	return units
}

func TestAccessUnitParser(t *testing.T) {
	aud := []byte{0, 0, 0, 1, 0x09, 0xf0}
	sei := []byte{0, 0, 0, 1, 0x06, 0x05, 0x01, 0x80}
	// Second slice of the same picture: first_mb_in_slice != 0.
	cont := []byte{0, 0, 0, 1, 0x41, 0x20, 0x11}
	eos := []byte{0, 0, 0, 1, 0x0a}

	tests := []struct {
		name   string
		chunks [][]byte
		want   [][]byte
	}{
		{
			name:   "one unit per chunk",
			chunks: [][]byte{concat(testSPS, testPPS, testIDR), testSlice1, testSlice2},
			want:   [][]byte{concat(testSPS, testPPS, testIDR), testSlice1, testSlice2},
		},
		{
			name:   "merged units",
			chunks: [][]byte{concat(testIDR, testSlice1, testSlice2)},
			want:   [][]byte{testIDR, testSlice1, testSlice2},
		},
		{
			name:   "byte at a time",
			chunks: splitBytes(concat(testIDR, testSlice1)),
			want:   [][]byte{testIDR, testSlice1},
		},
		{
			name:   "multi-slice picture",
			chunks: [][]byte{concat(testIDR, cont, testSlice1)},
			want:   [][]byte{concat(testIDR, cont), testSlice1},
		},
		{
			name:   "delimiter and SEI start a unit",
			chunks: [][]byte{concat(testSlice1, aud, sei, testSlice2)},
			want:   [][]byte{testSlice1, concat(aud, sei, testSlice2)},
		},
		{
			name:   "end of sequence closes a unit",
			chunks: [][]byte{concat(testIDR, eos, cont)},
			want:   [][]byte{concat(testIDR, eos), cont},
		},
		{
			name:   "garbage before first start code",
			chunks: [][]byte{{0xDE, 0xAD}, testIDR},
			want:   [][]byte{testIDR},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p accessUnitParser
			got := parseAll(&p, tt.chunks...)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d units, got %d: %x", len(tt.want), len(got), got)
			}
			for i := range tt.want {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("Unit %d = %x, want %x", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAccessUnitParser_PTS(t *testing.T) {
	var p accessUnitParser
	p.Parse(testIDR, 100)
	_, unit := p.Parse(testSlice1, 200)
	if unit == nil || unit.PTS != 100 {
		t.Fatalf("Expected first unit with pts 100, got %+v", unit)
	}
	if _, unit := p.Parse(nil, 0); unit != nil {
		t.Fatalf("Unexpected unit %+v", unit)
	}
	if last := p.Flush(); last == nil || last.PTS != 200 {
		t.Errorf("Expected flushed unit with pts 200, got %+v", last)
	}
	if p.Flush() != nil {
		t.Error("Second flush returned a unit")
	}
}

func splitBytes(data []byte) [][]byte {
	out := make([][]byte, len(data))
	for i := range data {
		out[i] = data[i : i+1]
	}
	return out
}
