package vsl

// Scope bounds the lifetime of the records a reader hands out. Every record
// remembers the generation it was issued in and stops being readable once
// the scope advances or closes.
type Scope struct {
	gen    uint64
	closed bool
}

// Advance invalidates every record issued so far.
func (s *Scope) Advance() { s.gen++ }

// Close invalidates every record issued so far and all future ones.
func (s *Scope) Close() {
	s.gen++
	s.closed = true
}

// Record issues a record bound to the current generation. data is borrowed,
// not copied; it must stay untouched until the scope advances.
func (s *Scope) Record(tag Tag, name string, id uint32, data []byte) Record {
	return Record{scope: s, gen: s.gen, tag: tag, name: name, id: id, data: data}
}

func (s *Scope) valid(gen uint64) bool {
	return s != nil && !s.closed && s.gen == gen
}

// Generation returns the current generation.
func (s *Scope) Generation() uint64 { return s.gen }

// Live reports whether views issued in generation gen are still readable.
func (s *Scope) Live(gen uint64) bool { return s.valid(gen) }
