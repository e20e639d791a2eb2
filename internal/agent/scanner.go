package agent

import "bytes"

// markerScanner finds a completion marker in a chunked byte stream. The
// marker may straddle chunk boundaries, so the scanner holds back any
// trailing bytes that form a proper prefix of the marker until the next
// chunk decides whether they complete it.
type markerScanner struct {
	marker []byte
	carry  []byte
}

func newMarkerScanner(marker string) *markerScanner {
	return &markerScanner{marker: []byte(marker)}
}

// Scan consumes the next chunk and returns the bytes safe to forward.
// When the marker is found, found is true and everything after the
// marker is discarded; the marker itself is never forwarded.
func (s *markerScanner) Scan(chunk []byte) (out []byte, found bool) {
	buf := append(s.carry, chunk...)
	s.carry = nil

	if i := bytes.Index(buf, s.marker); i >= 0 {
		return buf[:i], true
	}

	// Hold back the longest tail that could still grow into the marker.
	hold := 0
	max := len(s.marker) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if bytes.Equal(buf[len(buf)-k:], s.marker[:k]) {
			hold = k
			break
		}
	}

	if hold > 0 {
		s.carry = append([]byte(nil), buf[len(buf)-hold:]...)
		buf = buf[:len(buf)-hold]
	}

	return buf, false
}

// Flush returns any held-back bytes. Called when a turn ends without a
// marker so partial output is not lost.
func (s *markerScanner) Flush() []byte {
	out := s.carry
	s.carry = nil
	return out
}
