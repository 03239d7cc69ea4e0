package media

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

var (
	aud    = []byte{0, 0, 0, 1, 0x09, 0xF0}
	sps    = []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1F}
	pps    = []byte{0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80}
	idr    = []byte{0, 0, 1, 0x65, 0x88, 0x84, 0x00}
	nonIDR = []byte{0, 0, 1, 0x41, 0x9A, 0x02}
)

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestAccessUnitSplitter(t *testing.T) {
	first := join(aud, sps, pps, idr)
	second := join(aud, nonIDR)
	third := join(aud, nonIDR)
	stream := join([]byte{0xFF, 0xFF}, first, second, third)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(AccessUnitSplitter(VideoH264))

	var units [][]byte
	for scanner.Scan() {
		units = append(units, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}

	if len(units) != 3 {
		t.Fatalf("expected 3 access units, got %d", len(units))
	}
	if !bytes.Equal(units[0], first) {
		t.Errorf("first unit = %x, want %x", units[0], first)
	}
	if !bytes.Equal(units[1], second) {
		t.Errorf("second unit = %x, want %x", units[1], second)
	}
	if !bytes.Equal(units[2], third) {
		t.Errorf("third unit = %x, want %x", units[2], third)
	}
}

func TestParseAccessUnit(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		keyframe bool
		nalus    int
	}{
		{"idr", join(aud, sps, pps, idr), true, 4},
		{"non idr", join(aud, nonIDR), false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			au, err := ParseAccessUnit(VideoH264, tt.buf)
			if err != nil {
				t.Fatalf("ParseAccessUnit() error = %v", err)
			}
			if au.Keyframe != tt.keyframe {
				t.Errorf("Keyframe = %v, want %v", au.Keyframe, tt.keyframe)
			}
			if len(au.NALUs) != tt.nalus {
				t.Errorf("got %d NALUs, want %d", len(au.NALUs), tt.nalus)
			}
		})
	}

	if _, err := ParseAccessUnit(VideoH264, []byte{0x01, 0x02}); err == nil {
		t.Error("expected error for buffer without start code")
	}
}

func TestExtractParameterSets(t *testing.T) {
	au, err := ParseAccessUnit(VideoH264, join(aud, sps, pps, idr))
	if err != nil {
		t.Fatal(err)
	}

	ps, err := ExtractParameterSets(VideoH264, au.NALUs)
	if err != nil {
		t.Fatalf("ExtractParameterSets() error = %v", err)
	}
	if !bytes.Equal(ps.SPS, sps[4:]) || !bytes.Equal(ps.PPS, pps[4:]) {
		t.Errorf("unexpected parameter sets: sps=%x pps=%x", ps.SPS, ps.PPS)
	}

	au, _ = ParseAccessUnit(VideoH264, join(aud, nonIDR))
	if _, err := ExtractParameterSets(VideoH264, au.NALUs); !errors.Is(err, ErrNoParameterSets) {
		t.Errorf("expected ErrNoParameterSets, got %v", err)
	}
}
