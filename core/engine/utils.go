package engine

import (
	"fmt"
	"strings"
)

// qualifiedStructName extracts the type name from any value, removing
// pointer prefixes. Used to derive request type names from payload types
// (e.g. "billing.ChargeCard" from &billing.ChargeCard{}).
func qualifiedStructName(v any) string {
	s := fmt.Sprintf("%T", v)
	s = strings.TrimLeft(s, "*")

	return s
}
