// Package dispatch parses inbound requests and runs the three job types
// a client can ask for: compiling a shader, recording a shader request
// line, and fetching a target's accumulated shader list.
package dispatch

import (
	"encoding/xml"
	"fmt"
)

// envelope is the wire XML document a client sends after the frame
// header. Every field but Program is an XML attribute, matching how the
// original C++ server reads the request with TiXmlElement::Attribute;
// there is no child-element payload anywhere in the protocol. The root
// element's tag name is never checked by a client or by this parser,
// only that a root element exists at all, so envelope carries no
// XMLName constraint.
type envelope struct {
	Version  string `xml:"Version,attr"`
	Identify string `xml:"Identify,attr"`
	JobType  string `xml:"JobType,attr"`

	// Program is the raw shader source text itself, not a label; it is
	// written to disk and handed to the compiler subprocess verbatim.
	Program      string `xml:"Program,attr"`
	Project      string `xml:"Project,attr"`
	Platform     string `xml:"Platform,attr"`
	Compiler     string `xml:"Compiler,attr"`
	Language     string `xml:"Language,attr"`
	Tags         string `xml:"Tags,attr"`
	Profile      string `xml:"Profile,attr"`
	Entry        string `xml:"Entry,attr"`
	CompileFlags string `xml:"CompileFlags,attr"`
	CC           string `xml:"CC,attr"`

	// ShaderRequest is used by both the Compile job (to derive the dump
	// filename and to record the list entry) and the RequestLine job
	// (split on ";", each token recorded separately). ShaderList names
	// the target file a RequestLine/GetShaderList job reads or appends.
	ShaderRequest string `xml:"ShaderRequest,attr"`
	ShaderList    string `xml:"ShaderList,attr"`

	// Caching is "1" or absent to let a request use the cache, any
	// other value to opt it out, independent of the server-wide
	// caching-enabled setting.
	Caching string `xml:"Caching,attr"`
}

const (
	jobCompile       = "Compile"
	jobRequestLine   = "RequestLine"
	jobGetShaderList = "GetShaderList"
)

// wantsCaching reports whether the request's Caching attribute permits
// the cache to be consulted/updated: absent or "1" enables it, any
// other value disables it.
func (e envelope) wantsCaching() bool {
	return e.Caching == "" || e.Caching == "1"
}

func parseEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := xml.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("dispatch: parsing request: %w", err)
	}
	return env, nil
}
