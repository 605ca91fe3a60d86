package a2abus

import (
	"strconv"
	"strings"
)

// Address is a resolved `@AgentName#NN` reference: Name is the bare agent_id
// and Code is the numeric suffix, or -1 if the address carried none.
type Address struct {
	Name string
	Code int
}

// ParseAddress splits an `@AgentName#NN` string into its name and optional
// numeric code. The leading `@` is optional; callers may also pass a bare
// agent_id with no `#NN` suffix, in which case Code is -1 and no code check
// is performed by Resolve.
func ParseAddress(raw string) Address {
	s := strings.TrimPrefix(raw, "@")
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		if code, err := strconv.Atoi(s[i+1:]); err == nil {
			return Address{Name: s[:i], Code: code}
		}
	}
	return Address{Name: s, Code: -1}
}
