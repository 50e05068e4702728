// Index/timestamp pairs and the on-disk line grammar built around them.
//
// Every persisted record line is `JSON(idxts) \t JSON(payload) \n`; every
// head-update directive is `#head <20-digit zero-padded microseconds>\n`.
// The encoding lives here because both the file persister and the HTTP
// wire format need to produce and parse the exact same bytes.
package evstream

import (
	"fmt"
)

// IndexTimestamp is the {index, us} pair attached to every record.
// Index is 0-based and dense; us is the record's epoch-microsecond
// timestamp.
type IndexTimestamp struct {
	Index uint64 `json:"index"`
	US    int64  `json:"us"`
}

// HeadAndMaybeLast is the atomic snapshot subscribers and the flip
// protocol read: the current HEAD watermark, and the last published
// record's IndexTimestamp if the stream is non-empty.
type HeadAndMaybeLast struct {
	Head int64
	Last *IndexTimestamp
}

// headOnlyLine is the JSON shape of a pure head-update line delivered
// over the wire: `{"us":<i64>}`, carrying no index because it does not
// correspond to a record.
type headOnlyLine struct {
	US int64 `json:"us"`
}

const headDirectivePrefix = "#head "
const headDirectiveDigits = 20
const signatureDirectivePrefix = "#signature "

// encodeRecordLine renders one persisted/wire record line:
// `JSON(idxts) \t payloadJSON \n`. payloadJSON must already be a single
// line of JSON with no embedded newline.
func encodeRecordLine(idxts IndexTimestamp, payloadJSON []byte) ([]byte, error) {
	idxtsJSON, err := marshalJSON(idxts)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(idxtsJSON)+1+len(payloadJSON)+1)
	line = append(line, idxtsJSON...)
	line = append(line, '\t')
	line = append(line, payloadJSON...)
	line = append(line, '\n')
	return line, nil
}

// splitRecordLine separates a raw (trailing-newline-stripped) record
// line into its idxts and payload JSON halves on the first tab.
func splitRecordLine(raw []byte) (idxtsJSON, payloadJSON []byte, ok bool) {
	for i, b := range raw {
		if b == '\t' {
			return raw[:i], raw[i+1:], true
		}
	}
	return nil, nil, false
}

// parseIndexTimestamp parses just the idxts half of a record line,
// without touching the payload — used by publish_unsafe, which must
// validate index/timestamp ordering without knowing how to decode R.
func parseIndexTimestamp(raw []byte) (IndexTimestamp, error) {
	idxtsJSON, _, ok := splitRecordLine(raw)
	if !ok {
		return IndexTimestamp{}, ErrMalformedEntry
	}
	var idxts IndexTimestamp
	if err := unmarshalJSON(idxtsJSON, &idxts); err != nil {
		return IndexTimestamp{}, ErrMalformedEntry
	}
	return idxts, nil
}

// encodeHeadDirective renders `#head <20-digit zero-padded us>\n`.
func encodeHeadDirective(us int64) []byte {
	return []byte(fmt.Sprintf("%s%0*d\n", headDirectivePrefix, headDirectiveDigits, us))
}

// encodeHeadDirectiveDigits renders only the zero-padded digits, for
// rewriting the numeric payload of an existing directive in place.
func encodeHeadDirectiveDigits(us int64) []byte {
	return []byte(fmt.Sprintf("%0*d", headDirectiveDigits, us))
}

// parseHeadDirective parses a `#head ...` line (without trailing
// newline) into its microsecond value.
func parseHeadDirective(raw []byte) (int64, bool) {
	if len(raw) != len(headDirectivePrefix)+headDirectiveDigits {
		return 0, false
	}
	if string(raw[:len(headDirectivePrefix)]) != headDirectivePrefix {
		return 0, false
	}
	var us int64
	for _, b := range raw[len(headDirectivePrefix):] {
		if b < '0' || b > '9' {
			return 0, false
		}
		us = us*10 + int64(b-'0')
	}
	return us, true
}

// isHeadDirective reports whether raw looks like a #head line at all
// (used to distinguish it from #signature and from record lines during
// replay, before committing to the fixed-width parse above).
func isHeadDirective(raw []byte) bool {
	return len(raw) >= 5 && string(raw[:5]) == "#head"
}

// isSignatureDirective reports whether raw looks like a #signature line.
func isSignatureDirective(raw []byte) bool {
	return len(raw) >= 10 && string(raw[:10]) == "#signature"
}
