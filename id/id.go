// Package id generates workflow instance identifiers.
//
// Instance ids are caller-chosen opaque strings as far as the store is
// concerned; any globally unique string works. For callers that do not bring
// their own, this package produces TypeIDs — type-prefixed, K-sortable,
// UUIDv7-based identifiers in the format "wfi_01h2xcejqtf2nbrexx3vqjhp41".
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// PrefixInstance is the TypeID prefix for workflow instances.
const PrefixInstance = "wfi"

// NewInstanceID generates a new globally unique instance id.
func NewInstanceID() string {
	tid, err := typeid.Generate(PrefixInstance)
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", PrefixInstance, err))
	}
	return tid.String()
}

// ParseInstanceID validates that s is a well-formed instance TypeID and
// returns its canonical form.
func ParseInstanceID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("id: parse %q: %w", s, err)
	}
	if tid.Prefix() != PrefixInstance {
		return "", fmt.Errorf("id: expected prefix %q, got %q", PrefixInstance, tid.Prefix())
	}
	return tid.String(), nil
}
