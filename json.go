// JSON codec used for every on-disk and wire-level encode/decode in this
// package — a single choice of library (goccy/go-json, a drop-in
// encoding/json replacement) used everywhere rather than mixing stdlib
// and third-party codecs.
package evstream

import json "github.com/goccy/go-json"

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
