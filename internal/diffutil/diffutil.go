// Package diffutil implements the "compare by canonical serialization
// equality" suppression rule used by both LobbyHub and GameHub (spec
// sections 4.4 and 4.5): never emit an update whose content is byte-equal
// to what was last sent on that connection.
package diffutil

import (
	"bytes"
	"encoding/json"
)

// Equal reports whether a and b marshal to identical JSON. Both nil and
// an empty json.RawMessage compare equal to each other, since an author
// returning "unset" and the store's absent-outcome zero value are the
// same thing to a client.
func Equal(a, b any) bool {
	if ra, ok := a.(json.RawMessage); ok && len(ra) == 0 {
		a = nil
	}
	if rb, ok := b.(json.RawMessage); ok && len(rb) == 0 {
		b = nil
	}
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	if isEmptyJSON(ab) && isEmptyJSON(bb) {
		return true
	}
	return bytes.Equal(ab, bb)
}

func isEmptyJSON(b []byte) bool {
	return len(b) == 0 || string(b) == "null" || string(b) == `""`
}
