package evstream

import "testing"

func TestEncodeDecodeRecordLine(t *testing.T) {
	idxts := IndexTimestamp{Index: 3, US: 1000}
	payload := []byte(`{"a":1}`)

	line, err := encodeRecordLine(idxts, payload)
	if err != nil {
		t.Fatalf("encodeRecordLine: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("encodeRecordLine: missing trailing newline")
	}

	content := line[:len(line)-1]
	idxtsJSON, payloadJSON, ok := splitRecordLine(content)
	if !ok {
		t.Fatalf("splitRecordLine: no tab found")
	}
	if string(payloadJSON) != string(payload) {
		t.Errorf("payload round-trip: got %s want %s", payloadJSON, payload)
	}

	var got IndexTimestamp
	if err := unmarshalJSON(idxtsJSON, &got); err != nil {
		t.Fatalf("unmarshalJSON: %v", err)
	}
	if got != idxts {
		t.Errorf("idxts round-trip: got %+v want %+v", got, idxts)
	}
}

func TestSplitRecordLineNoTab(t *testing.T) {
	_, _, ok := splitRecordLine([]byte(`{"us":5}`))
	if ok {
		t.Fatalf("splitRecordLine: expected ok=false for a tab-less line")
	}
}

func TestParseIndexTimestampMalformed(t *testing.T) {
	if _, err := parseIndexTimestamp([]byte("no tab here")); err != ErrMalformedEntry {
		t.Errorf("parseIndexTimestamp: got %v want ErrMalformedEntry", err)
	}
	if _, err := parseIndexTimestamp([]byte("not-json\tpayload")); err != ErrMalformedEntry {
		t.Errorf("parseIndexTimestamp: got %v want ErrMalformedEntry", err)
	}
}

// Head directives round-trip through a fixed 20-digit zero-padded width
// so UpdateHead can rewrite one in place without ever changing its length.
func TestHeadDirectiveRoundTrip(t *testing.T) {
	for _, us := range []int64{0, 1, 1234567890, 99999999999999999} {
		line := encodeHeadDirective(us)
		content := line[:len(line)-1]
		got, ok := parseHeadDirective(content)
		if !ok {
			t.Fatalf("parseHeadDirective(%d): ok=false", us)
		}
		if got != us {
			t.Errorf("parseHeadDirective(%d): got %d", us, got)
		}
	}
}

func TestHeadDirectiveDigitsFixedWidth(t *testing.T) {
	a := encodeHeadDirectiveDigits(5)
	b := encodeHeadDirectiveDigits(123456789012345)
	if len(a) != headDirectiveDigits || len(b) != headDirectiveDigits {
		t.Fatalf("encodeHeadDirectiveDigits: widths %d, %d want %d", len(a), len(b), headDirectiveDigits)
	}
}

func TestIsHeadAndSignatureDirective(t *testing.T) {
	if !isHeadDirective([]byte(headDirectivePrefix + "00000000000000000001")) {
		t.Errorf("isHeadDirective: expected true")
	}
	if isHeadDirective([]byte(`{"index":0,"us":1}`)) {
		t.Errorf("isHeadDirective: expected false for a record line")
	}
	if !isSignatureDirective([]byte(signatureDirectivePrefix + `{}`)) {
		t.Errorf("isSignatureDirective: expected true")
	}
	if isSignatureDirective([]byte(headDirectivePrefix + "0")) {
		t.Errorf("isSignatureDirective: expected false for a head directive")
	}
}
