package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Discriminator is the 8-byte tag that prefixes an event payload.
type Discriminator [8]byte

// AnchorDiscriminator returns the first 8 bytes of sha256("event:"+name).
func AnchorDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("event:" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// ParseDiscriminator reads a hex encoded discriminator, with or without 0x.
func ParseDiscriminator(s string) (Discriminator, error) {
	var d Discriminator
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return d, fmt.Errorf("parse discriminator %q: %w", s, err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("parse discriminator %q: want %d bytes, got %d", s, len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

func (d Discriminator) String() string { return hex.EncodeToString(d[:]) }

func (d Discriminator) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// DecodeFunc turns the bytes after the discriminator into a typed value.
type DecodeFunc func(data []byte) (any, error)

// Schema describes one event type. An empty Program matches any emitter.
type Schema struct {
	Name    string
	Program string
	Decode  DecodeFunc
}

// Registry resolves a discriminator emitted by programID to a schema.
type Registry interface {
	Lookup(programID string, d Discriminator) (Schema, bool)
}

type registryKey struct {
	program string
	disc    Discriminator
}

// MapRegistry is a Registry backed by a map. Program-scoped entries take
// precedence over entries registered for any program.
type MapRegistry struct {
	mu      sync.RWMutex
	schemas map[registryKey]Schema
}

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{schemas: map[registryKey]Schema{}}
}

// Register adds or replaces the schema for d.
func (r *MapRegistry) Register(d Discriminator, s Schema) error {
	if s.Name == "" {
		return fmt.Errorf("register %s: name required", d)
	}
	if s.Decode == nil {
		return fmt.Errorf("register %s: decode func required", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[registryKey{program: s.Program, disc: d}] = s
	return nil
}

// RegisterAnchor registers s under its Anchor discriminator.
func (r *MapRegistry) RegisterAnchor(s Schema) error {
	return r.Register(AnchorDiscriminator(s.Name), s)
}

func (r *MapRegistry) Lookup(programID string, d Discriminator) (Schema, bool) {
	if r == nil {
		return Schema{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[registryKey{program: programID, disc: d}]; ok {
		return s, true
	}
	s, ok := r.schemas[registryKey{disc: d}]
	return s, ok
}

// Len returns the number of registered schemas.
func (r *MapRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}
