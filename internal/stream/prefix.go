package stream

import "bytes"

// PrefixStripper removes a fixed tool-name prefix from a JSON byte stream:
// every `"name":"<prefix>` becomes `"name":"`, including occurrences split
// across chunk boundaries. It holds back at most len(pattern)-1 bytes between
// chunks and never buffers the body.
type PrefixStripper struct {
	pattern []byte
	repl    []byte
	carry   []byte
}

// NewPrefixStripper builds a stripper for the given tool-name prefix. An
// empty prefix yields a pass-through transformer.
func NewPrefixStripper(prefix string) *PrefixStripper {
	if prefix == "" {
		return &PrefixStripper{}
	}
	return &PrefixStripper{
		pattern: []byte(`"name":"` + prefix),
		repl:    []byte(`"name":"`),
	}
}

// Transform rewrites one chunk, possibly holding back a tail that could be
// the start of a split occurrence.
func (s *PrefixStripper) Transform(chunk []byte) []byte {
	if len(s.pattern) == 0 {
		return chunk
	}
	data := chunk
	if len(s.carry) > 0 {
		data = append(s.carry, chunk...)
		s.carry = nil
	}
	data = bytes.ReplaceAll(data, s.pattern, s.repl)

	// Hold back the longest tail that is a proper prefix of the pattern.
	maxTail := len(s.pattern) - 1
	if maxTail > len(data) {
		maxTail = len(data)
	}
	for tail := maxTail; tail > 0; tail-- {
		if bytes.Equal(data[len(data)-tail:], s.pattern[:tail]) {
			s.carry = append([]byte(nil), data[len(data)-tail:]...)
			return data[:len(data)-tail]
		}
	}
	return data
}

// Flush emits any held-back tail once the stream ends.
func (s *PrefixStripper) Flush() []byte {
	tail := s.carry
	s.carry = nil
	return tail
}
