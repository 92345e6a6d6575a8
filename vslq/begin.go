package vslq

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jnesss/vsm-recorder/vsl"
)

// parseBegin decodes a Begin payload: "<type> <parent vxid> <reason>".
// Unknown type or reason words are not an error.
func parseBegin(payload string) (Type, uint32, Reason, error) {
	f := strings.Fields(payload)
	if len(f) != 3 {
		return TypeUnknown, 0, ReasonUnknown, fmt.Errorf("malformed Begin record %q", payload)
	}
	parent, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return TypeUnknown, 0, ReasonUnknown, fmt.Errorf("bad parent vxid in Begin record %q", payload)
	}
	return typeOf(f[0]), uint32(parent) & vsl.IdentMask, reasonOf(f[2]), nil
}
