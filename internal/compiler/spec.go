// Package compiler runs the external, platform-specific shader compiler
// executables (FXC, HLSLcc, DXC, ...) as subprocesses and interprets
// their results.
package compiler

import (
	"fmt"
	"strings"
)

// Spec describes one entry in the server's compiler table: a compiler ID
// the client names in its request, the executable to run
// for it (resolved relative to the trusted compiler root, never an
// absolute or client-supplied path), and the argument template used to
// build its command line on V2_2+ connections.
type Spec struct {
	ID         string
	Executable string
	// ArgsTemplate is a space-separated list of tokens; each token may
	// contain the placeholders substituted by buildArgsV2_2.
	ArgsTemplate string
}

// Table is the compiler-ID -> Spec lookup built from configuration.
type Table map[string]Spec

// Lookup returns the Spec for id, or false if id isn't configured. The
// caller is expected to offer a "did you mean" suggestion on miss using
// the candidate ID list from Table.IDs.
func (t Table) Lookup(id string) (Spec, bool) {
	s, ok := t[id]
	return s, ok
}

// IDs returns the configured compiler IDs, for building edit-distance
// suggestions on an unknown compiler.
func (t Table) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	return ids
}

// Request is everything needed to invoke one compile.
type Request struct {
	Compiler Spec
	Profile  string
	Entry    string
	Flags    string
	Source   []byte
}

func (r Request) String() string {
	return fmt.Sprintf("%s entry=%s profile=%s flags=%q", r.Compiler.ID, r.Entry, r.Profile, r.Flags)
}

// allowedLegacyFlags is the fixed whitelist of compile flags accepted
// from clients speaking V2_1 or earlier, which predate the free-form
// ArgsTemplate substitution introduced in V2_2 (see DESIGN.md: legacy
// clients cannot pass arbitrary compiler flags, only this closed set).
var allowedLegacyFlags = map[string]bool{
	"-O0": true, "-O1": true, "-O2": true, "-O3": true,
	"-Zi": true, "-Gec": true, "-Gfp": true, "-Gpp": true,
	"-WX": true, "-Vd": true,
}

// validateLegacyFlags splits a legacy Flags string on whitespace and
// rejects anything outside allowedLegacyFlags.
func validateLegacyFlags(flags string) ([]string, error) {
	if strings.TrimSpace(flags) == "" {
		return nil, nil
	}
	tokens := strings.Fields(flags)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !allowedLegacyFlags[tok] {
			return nil, fmt.Errorf("compiler: flag %q is not in the legacy whitelist", tok)
		}
		out = append(out, tok)
	}
	return out, nil
}
