package vsc

import (
	"strings"

	"github.com/valyala/fastjson"

	"github.com/jnesss/vsm-recorder/vsm"
)

// Descriptor describes one counter. Descriptors are rebuilt on every pass.
type Descriptor struct {
	Name          string
	Semantics     Semantics
	SemanticsCode byte
	// Format is the producer's format code, passed through as is.
	Format       byte
	Level        string
	ShortDesc    string
	LongDesc     string
	SectionType  string
	SectionIdent string
	SectionDesc  string
	// Offset is the counter's byte offset inside the section's value area.
	Offset int
}

// QualifiedName returns type[.ident].name.
func QualifiedName(sectionType, sectionIdent, name string) string {
	if sectionIdent == "" {
		return sectionType + "." + name
	}
	return sectionType + "." + sectionIdent + "." + name
}

// QualifiedName returns the descriptor's fully qualified name.
func (d *Descriptor) QualifiedName() string {
	return QualifiedName(d.SectionType, d.SectionIdent, d.Name)
}

// splitIdent splits a chunk ident TYPE[.IDENT] at the first dot.
func splitIdent(ident string) (string, string) {
	typ, rest, _ := strings.Cut(ident, ".")
	return typ, rest
}

// parseDoc decodes a section's descriptor document. Counters are returned in
// document order.
func parseDoc(p *fastjson.Parser, where, typ, ident string, doc []byte, valueSize int) ([]*Descriptor, error) {
	v, err := p.ParseBytes(doc)
	if err != nil {
		return nil, vsm.Integrity(where, "bad descriptor document: %v", err)
	}
	if name := string(v.GetStringBytes("name")); name != typ {
		return nil, vsm.Integrity(where, "descriptor document names section %q, index says %q", name, typ)
	}
	elem := v.GetObject("elem")
	if elem == nil {
		return nil, vsm.Integrity(where, "descriptor document has no elem object")
	}
	sectionDesc := string(v.GetStringBytes("oneliner"))

	var (
		descs []*Descriptor
		bad   error
	)
	elem.Visit(func(key []byte, e *fastjson.Value) {
		if bad != nil {
			return
		}
		name := string(e.GetStringBytes("name"))
		if name == "" {
			name = string(key)
		}
		if ctype := string(e.GetStringBytes("ctype")); ctype != "uint64_t" {
			bad = vsm.Integrity(where, "counter %s has value type %q, want uint64_t", name, ctype)
			return
		}
		idx := e.Get("index")
		if idx == nil || idx.Type() != fastjson.TypeNumber {
			bad = vsm.Integrity(where, "counter %s has no value index", name)
			return
		}
		off, err := idx.Int()
		if err != nil || off < 0 || off+8 > valueSize {
			bad = vsm.Integrity(where, "counter %s value at %s outside %d byte value area", name, idx, valueSize)
			return
		}
		code := semanticsCode(string(e.GetStringBytes("type")))
		descs = append(descs, &Descriptor{
			Name:          name,
			Semantics:     SemanticsOf(code),
			SemanticsCode: code,
			Format:        formatCode(string(e.GetStringBytes("format"))),
			Level:         string(e.GetStringBytes("level")),
			ShortDesc:     string(e.GetStringBytes("oneliner")),
			LongDesc:      string(e.GetStringBytes("docs")),
			SectionType:   typ,
			SectionIdent:  ident,
			SectionDesc:   sectionDesc,
			Offset:        off,
		})
	})
	if bad != nil {
		return nil, bad
	}
	return descs, nil
}
