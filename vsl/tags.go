package vsl

import (
	"fmt"
	"strings"

	"github.com/jnesss/vsm-recorder/vsm"
)

// Tag identifies the category of a log record.
type Tag uint8

// Tags of the default table that the grouping code and the sinks look at.
const (
	TagReqMethod  Tag = 15
	TagReqURL     Tag = 16
	TagReqHeader  Tag = 20
	TagRespStatus Tag = 26
	TagVCLCall    Tag = 60
	TagReqStart   Tag = 63
	TagLink       Tag = 75
	TagBegin      Tag = 76
	TagEnd        Tag = 77
	TagTimestamp  Tag = 80
)

// tagNames is the producer's tag table. Slot 0 is never assigned.
var tagNames = []string{
	"",
	"Debug", "Error", "CLI", "SessOpen", "SessClose", "BackendOpen",
	"BackendReuse", "BackendClose", "HttpGarbage", "Proxy", "ProxyGarbage",
	"Backend", "Length", "FetchError",
	"ReqMethod", "ReqURL", "ReqProtocol", "ReqStatus", "ReqReason",
	"ReqHeader", "ReqUnset", "ReqLost",
	"RespMethod", "RespURL", "RespProtocol", "RespStatus", "RespReason",
	"RespHeader", "RespUnset", "RespLost",
	"BereqMethod", "BereqURL", "BereqProtocol", "BereqStatus", "BereqReason",
	"BereqHeader", "BereqUnset", "BereqLost",
	"BerespMethod", "BerespURL", "BerespProtocol", "BerespStatus", "BerespReason",
	"BerespHeader", "BerespUnset", "BerespLost",
	"ObjMethod", "ObjURL", "ObjProtocol", "ObjStatus", "ObjReason",
	"ObjHeader", "ObjUnset", "ObjLost",
	"BogoHeader", "LostHeader", "TTL", "Fetch_Body",
	"VCL_acl", "VCL_call", "VCL_trace", "VCL_return",
	"ReqStart", "Hit", "HitPass", "ExpBan", "ExpKill", "WorkThread",
	"ESI_xmlerror", "Hash", "Backend_health", "VCL_Log", "VCL_Error", "Gzip",
	"Link", "Begin", "End", "VSL", "Storage", "Timestamp",
	"ReqAcct", "PipeAcct", "BereqAcct", "VfpAcct", "Witness",
	"H2RxHdr", "H2RxBody", "H2TxHdr", "H2TxBody",
	"HitMiss", "SessError", "VCL_use", "Filters",
}

// Tags is the default tag table, built once at startup.
var Tags = mustTagTable(tagNames)

// TagTable resolves tag ids to names with bounds checking.
type TagTable struct {
	names  []string
	byName map[string]Tag
}

// NewTagTable builds a table from names indexed by tag id. Empty names mark
// unassigned ids. Ids 254 and 255 are reserved for markers.
func NewTagTable(names []string) (*TagTable, error) {
	if len(names) > int(reservedTag) {
		return nil, fmt.Errorf("tag table has %d entries, at most %d allowed", len(names), reservedTag)
	}
	t := &TagTable{
		names:  append([]string(nil), names...),
		byName: make(map[string]Tag, len(names)),
	}
	for i, n := range names {
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, dup := t.byName[key]; dup {
			return nil, fmt.Errorf("duplicate tag name %q", n)
		}
		t.byName[key] = Tag(i)
	}
	return t, nil
}

func mustTagTable(names []string) *TagTable {
	t, err := NewTagTable(names)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the name of tag. Ids outside the table or unassigned ids are
// an integrity violation.
func (t *TagTable) Name(tag Tag) (string, error) {
	if int(tag) >= len(t.names) {
		return "", vsm.Integrity("tag table", "tag id %d outside table of %d entries", tag, len(t.names))
	}
	name := t.names[tag]
	if name == "" {
		return "", vsm.Integrity("tag table", "tag id %d is unassigned", tag)
	}
	return name, nil
}

// Lookup finds a tag by name, ignoring case.
func (t *TagTable) Lookup(name string) (Tag, bool) {
	tag, ok := t.byName[strings.ToLower(name)]
	return tag, ok
}

// Len returns the number of ids covered by the table.
func (t *TagTable) Len() int { return len(t.names) }
