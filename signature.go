// Schema identity and signature comparison.
//
// Two independently compiled binaries with identical entry definitions
// must compute the same type id; reordering fields or renaming a field's
// serialized (JSON) name must change it. The thing being hashed is a structural description of a
// Go type built by walking its fields with reflect, reduced to a
// 64-bit id with a configurable algorithm.
package evstream

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm selectors for computing a structural type id. The
// default, HashXXHash3, is fastest and needs no dependency beyond
// what's already pulled in for other concerns.
const (
	HashXXHash3 = 1
	HashFNV1a   = 2
	HashBlake2b = 3
)

// hash64 reduces data to a 64-bit value using the selected algorithm.
// Unknown algorithms fall back to xxh3 rather than silently returning
// zero, since a zero type id would make every schema look alike.
func hash64(data []byte, alg int) uint64 {
	switch alg {
	case HashFNV1a:
		h := fnv.New64a()
		h.Write(data)
		return h.Sum64()
	case HashBlake2b:
		h, _ := blake2b.New(8, nil)
		h.Write(data)
		sum := h.Sum(nil)
		var v uint64
		for _, b := range sum {
			v = v<<8 | uint64(b)
		}
		return v
	default:
		return xxh3.Hash(data)
	}
}

// SchemaField describes one field of a record type, in declaration
// order. Renaming (by serialized name) or reordering fields changes the
// structural description and therefore the type id.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaInfo captures the type identity of a stream's entry type: a
// stable 64-bit id plus the structural description it was computed
// from.
type SchemaInfo struct {
	TypeID uint64        `json:"type_id"`
	Fields []SchemaField `json:"fields"`
}

// Signature is the triple persisted as the first line of a non-empty
// log and compared at open time and at replication/flip time to reject
// type drift.
type Signature struct {
	NamespaceName string     `json:"namespace_name"`
	EntryName     string     `json:"entry_name"`
	SchemaInfo    SchemaInfo `json:"schema_info"`
}

// Equal reports whether two signatures match byte-for-byte after
// canonical serialization of all three fields.
func (s Signature) Equal(other Signature) bool {
	a, errA := marshalJSON(s)
	b, errB := marshalJSON(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// computeSchemaInfo walks R's structure and hashes a canonical textual
// description of it. Only exported fields participate; a field tagged
// `json:"-"` still participates, under its Go name.
func computeSchemaInfo[R any](alg int) SchemaInfo {
	var zero R
	t := reflect.TypeOf(zero)
	desc, fields := describeType(t, map[reflect.Type]bool{})
	return SchemaInfo{
		TypeID: hash64([]byte(desc), alg),
		Fields: fields,
	}
}

// describeType renders a deterministic textual description of t,
// recursing into struct fields, slice/array elements, map key/value
// types, and pointer targets. seen guards against infinite recursion on
// self-referential types by rendering a back-reference instead of
// looping forever.
func describeType(t reflect.Type, seen map[reflect.Type]bool) (string, []SchemaField) {
	if t == nil {
		return "nil", nil
	}
	if seen[t] {
		return "cycle(" + t.String() + ")", nil
	}

	switch t.Kind() {
	case reflect.Ptr:
		seen[t] = true
		inner, _ := describeType(t.Elem(), seen)
		delete(seen, t)
		return "*" + inner, nil

	case reflect.Slice, reflect.Array:
		seen[t] = true
		inner, _ := describeType(t.Elem(), seen)
		delete(seen, t)
		return "[]" + inner, nil

	case reflect.Map:
		seen[t] = true
		keyDesc, _ := describeType(t.Key(), seen)
		valDesc, _ := describeType(t.Elem(), seen)
		delete(seen, t)
		return fmt.Sprintf("map[%s]%s", keyDesc, valDesc), nil

	case reflect.Struct:
		seen[t] = true
		defer delete(seen, t)

		var fields []SchemaField
		var parts []string
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fieldDesc, _ := describeType(f.Type, seen)
			name := jsonFieldName(f)
			fields = append(fields, SchemaField{Name: name, Type: fieldDesc})
			parts = append(parts, name+":"+fieldDesc)
		}
		return "struct{" + strings.Join(parts, ";") + "}", fields

	default:
		return t.Kind().String(), nil
	}
}

// jsonFieldName returns the name a field would be serialized under by
// encoding/json-compatible marshalers: the json tag's name if present,
// otherwise the Go field name.
func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// NewSignature builds the Signature for entry type R under the given
// namespace/entry names, using alg to compute the structural type id.
func NewSignature[R any](namespaceName, entryName string, alg int) Signature {
	return Signature{
		NamespaceName: namespaceName,
		EntryName:     entryName,
		SchemaInfo:    computeSchemaInfo[R](alg),
	}
}
