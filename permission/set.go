package permission

import "math/bits"

// Set is an effective permission set: a bitmask over a Registry. The zero
// Set is empty and grants nothing.
type Set struct {
	registry *Registry
	words    []uint64
}

// Add inserts code and reports whether it is known to the registry.
func (s *Set) Add(code string) bool {
	if s.registry == nil {
		return false
	}
	bit, ok := s.registry.Bit(code)
	if !ok {
		return false
	}
	s.words[bit/64] |= 1 << uint(bit%64)
	return true
}

// Has reports whether code is in the set.
func (s Set) Has(code string) bool {
	if s.registry == nil {
		return false
	}
	bit, ok := s.registry.Bit(code)
	if !ok {
		return false
	}
	return s.words[bit/64]&(1<<uint(bit%64)) != 0
}

// Union adds every member of other. Sets from different registries are not
// mixed; the call is a no-op for them.
func (s *Set) Union(other Set) {
	if other.registry == nil {
		return
	}
	if s.registry == nil {
		s.registry = other.registry
		s.words = make([]uint64, len(other.words))
	}
	if s.registry != other.registry {
		return
	}
	for i, w := range other.words {
		s.words[i] |= w
	}
}

// Len is the number of members.
func (s Set) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s Set) Empty() bool {
	return s.Len() == 0
}

// Codes lists members in registration order.
func (s Set) Codes() []string {
	out := make([]string, 0, s.Len())
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			w &^= 1 << uint(b)
			if code := s.registry.code(i*64 + b); code != "" {
				out = append(out, code)
			}
		}
	}
	return out
}
