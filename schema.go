// Schema surface: per-language rendering of a stream's entry type and
// format negotiation for the HTTP `schema`/`schema.<lang>` parameter.
package evstream

import (
	"fmt"
	"strings"
)

// Schema language identifiers accepted by the HTTP endpoint.
const (
	LangH      = "h"      // Go struct-literal-like rendering
	LangFS     = "fs"     // flat field/type list, F#-record-style
	LangSimple = "simple" // {type_id, entry_name, namespace_name} triple
)

var schemaLanguages = []string{LangH, LangFS, LangSimple}

// TopLevelSchema is returned for a bare `?schema` request: the type
// identity plus the set of languages available for `schema=<lang>`.
type TopLevelSchema struct {
	TypeID        uint64   `json:"type_id"`
	EntryName     string   `json:"entry_name"`
	NamespaceName string   `json:"namespace_name"`
	Languages     []string `json:"languages"`
}

// SimpleSchema is the triple a Follower or flip caller compares against
// its own expectations to detect type drift.
type SimpleSchema struct {
	TypeID        uint64 `json:"type_id"`
	EntryName     string `json:"entry_name"`
	NamespaceName string `json:"namespace_name"`
}

// SchemaLanguageError is the body returned for an unrecognized
// `schema=<lang>` value.
type SchemaLanguageError struct {
	Error    string `json:"error"`
	Language string `json:"language"`
}

func renderTopLevelSchema(sig Signature) TopLevelSchema {
	return TopLevelSchema{
		TypeID:        sig.SchemaInfo.TypeID,
		EntryName:     sig.EntryName,
		NamespaceName: sig.NamespaceName,
		Languages:     schemaLanguages,
	}
}

func renderSimpleSchema(sig Signature) SimpleSchema {
	return SimpleSchema{
		TypeID:        sig.SchemaInfo.TypeID,
		EntryName:     sig.EntryName,
		NamespaceName: sig.NamespaceName,
	}
}

// renderSchemaLanguage renders sig in the requested language, returning
// ok=false for a language this surface doesn't know.
func renderSchemaLanguage(sig Signature, lang string) (body []byte, contentType string, ok bool) {
	switch lang {
	case LangH:
		return []byte(renderHSchema(sig)), "text/plain", true
	case LangFS:
		return []byte(renderFSSchema(sig)), "text/plain", true
	case LangSimple:
		j, err := marshalJSON(renderSimpleSchema(sig))
		if err != nil {
			return nil, "", false
		}
		return j, "application/json", true
	default:
		return nil, "", false
	}
}

// unknownSchemaLanguageBody is the 404 body for an unrecognized
// schema language.
func unknownSchemaLanguageBody(lang string) []byte {
	j, err := marshalJSON(SchemaLanguageError{Error: "unknown schema language", Language: lang})
	if err != nil {
		return []byte(`{"error":"unknown schema language"}`)
	}
	return j
}

// renderHSchema renders a Go struct-literal-like description of sig's
// entry type: field name and structural type, one per line, in
// declaration order.
func renderHSchema(sig Signature) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// namespace_name: %s\n", sig.NamespaceName)
	fmt.Fprintf(&b, "type %s struct {\n", sig.EntryName)
	for _, f := range sig.SchemaInfo.Fields {
		fmt.Fprintf(&b, "\t%s %s\n", f.Name, f.Type)
	}
	b.WriteString("}\n")
	return b.String()
}

// renderFSSchema renders the same structural description in a flat,
// F#-record-style field/type list.
func renderFSSchema(sig Signature) string {
	var b strings.Builder
	fmt.Fprintf(&b, "type %s =\n", sig.EntryName)
	for _, f := range sig.SchemaInfo.Fields {
		fmt.Fprintf(&b, "    %s : %s\n", f.Name, f.Type)
	}
	return b.String()
}
