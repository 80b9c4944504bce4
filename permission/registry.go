package permission

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var codePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

var (
	ErrRegistryFrozen = errors.New("permission registry frozen")
	ErrUnknownCode    = errors.New("unknown permission code")
)

// Definition is one globally defined capability, grouped by module.
type Definition struct {
	Code        string
	Module      string
	Description string
}

// Registry maps permission codes to bit positions. Supported widths are 64,
// 128, 256 and 512 bits.
type Registry struct {
	maxBits int

	mu        sync.RWMutex
	codeToBit map[string]int
	defs      []Definition
	frozen    bool
}

func NewRegistry(maxBits int) (*Registry, error) {
	if maxBits != 64 && maxBits != 128 && maxBits != 256 && maxBits != 512 {
		return nil, errors.New("invalid maxBits")
	}
	return &Registry{
		maxBits:   maxBits,
		codeToBit: make(map[string]int),
	}, nil
}

// Register assigns the next free bit to def.Code. Codes are lower-case,
// dot-separated identifiers such as "invoice.read".
func (r *Registry) Register(def Definition) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, ErrRegistryFrozen
	}
	if !codePattern.MatchString(def.Code) {
		return -1, fmt.Errorf("invalid permission code %q", def.Code)
	}
	if _, exists := r.codeToBit[def.Code]; exists {
		return -1, fmt.Errorf("permission %q already registered", def.Code)
	}

	next := len(r.defs)
	if next >= r.maxBits {
		return -1, errors.New("permission limit exceeded")
	}

	r.codeToBit[def.Code] = next
	r.defs = append(r.defs, def)
	return next, nil
}

// Bit returns the bit index of code.
func (r *Registry) Bit(code string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.codeToBit[code]
	return bit, ok
}

// Lookup returns the definition registered for code.
func (r *Registry) Lookup(code string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.codeToBit[code]
	if !ok {
		return Definition{}, false
	}
	return r.defs[bit], true
}

// Definitions returns every definition in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

func (r *Registry) code(bit int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bit < 0 || bit >= len(r.defs) {
		return ""
	}
	return r.defs[bit].Code
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// MaxBits is the width of every Set created by the registry.
func (r *Registry) MaxBits() int {
	return r.maxBits
}

// NewSet returns an empty set sized for the registry.
func (r *Registry) NewSet() Set {
	return Set{registry: r, words: make([]uint64, r.maxBits/64)}
}

// SetOf builds a set from codes. Unknown codes are returned rather than
// silently dropped so the caller can decide how loud to be.
func (r *Registry) SetOf(codes ...string) (Set, []string) {
	s := r.NewSet()
	var unknown []string
	for _, code := range codes {
		if !s.Add(code) {
			unknown = append(unknown, code)
		}
	}
	return s, unknown
}
