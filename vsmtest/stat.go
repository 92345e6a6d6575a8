package vsmtest

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/jnesss/vsm-recorder/vsc"
	"github.com/jnesss/vsm-recorder/vsm"
)

// Counter describes one counter of a section. Empty fields get the usual
// values: type counter, format integer, ctype uint64_t, level info.
type Counter struct {
	Name     string
	Type     string
	Format   string
	CType    string
	Level    string
	Oneliner string
	Docs     string
	Value    uint64
}

// SectionSpec describes a counter section.
type SectionSpec struct {
	Type     string
	Ident    string
	Oneliner string
	Counters []Counter

	// Class listed in the index, "Stat" when empty.
	Class string
	// Label written into the chunk itself, "Stat" when empty.
	Label string
	// DocName overrides the section type recorded in the descriptor doc.
	DocName string
	// NotReady leaves the section unpublished.
	NotReady bool
	// RawDoc replaces the generated descriptor doc.
	RawDoc string
}

// Section is a published counter section.
type Section struct {
	p     *Producer
	f     *os.File
	Chunk vsm.Chunk
	index map[string]int
}

// AddSection publishes a counter section.
func (p *Producer) AddSection(spec SectionSpec) *Section {
	p.t.Helper()
	doc := spec.RawDoc
	if doc == "" {
		doc = buildDoc(spec)
	}
	cntSize := 8 * len(spec.Counters)
	size := vsc.HeaderSize + cntSize + len(doc)

	ident := spec.Type
	if spec.Ident != "" {
		ident += "." + spec.Ident
	}
	class := orDefault(spec.Class, vsc.StatClass)
	f, c := p.publish("vsc", class, ident, size)

	var label [8]byte
	copy(label[:], orDefault(spec.Label, vsc.StatClass))
	p.writeAt(f, label[:], 0)
	p.putU64(f, 16, vsc.HeaderSize)
	p.putU64(f, 24, uint64(cntSize))
	p.putU64(f, 32, uint64(vsc.HeaderSize+cntSize))
	p.putU64(f, 40, uint64(len(doc)))
	p.writeAt(f, []byte(doc), int64(vsc.HeaderSize+cntSize))

	s := &Section{p: p, f: f, Chunk: c, index: make(map[string]int)}
	for i, cnt := range spec.Counters {
		s.index[cnt.Name] = i
		s.Set(cnt.Name, cnt.Value)
	}
	if !spec.NotReady {
		p.putU64(f, 8, 1)
	}
	p.list(c)
	return s
}

// Set stores a counter value in place.
func (s *Section) Set(name string, v uint64) {
	s.p.t.Helper()
	i, ok := s.index[name]
	if !ok {
		s.p.t.Fatalf("no counter %q in section %s", name, s.Chunk.Ident)
	}
	s.p.putU64(s.f, int64(vsc.HeaderSize+8*i), v)
}

func buildDoc(spec SectionSpec) string {
	str := func(v string) string {
		b, _ := json.Marshal(v)
		return string(b)
	}
	var b strings.Builder
	b.WriteString(`{"name":` + str(orDefault(spec.DocName, spec.Type)))
	b.WriteString(`,"oneliner":` + str(spec.Oneliner))
	b.WriteString(`,"docs":"","elem":{`)
	for i, c := range spec.Counters {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(str(c.Name) + `:{`)
		b.WriteString(`"name":` + str(c.Name))
		b.WriteString(`,"ctype":` + str(orDefault(c.CType, "uint64_t")))
		b.WriteString(`,"type":` + str(orDefault(c.Type, "counter")))
		b.WriteString(`,"format":` + str(orDefault(c.Format, "integer")))
		b.WriteString(`,"level":` + str(orDefault(c.Level, "info")))
		b.WriteString(`,"oneliner":` + str(c.Oneliner))
		b.WriteString(`,"docs":` + str(c.Docs))
		b.WriteString(`,"index":`)
		idx, _ := json.Marshal(8 * i)
		b.Write(idx)
		b.WriteByte('}')
	}
	b.WriteString("}}")
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
