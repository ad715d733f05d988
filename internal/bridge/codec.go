package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

// PayloadType selects how a JSON payload field is turned into bytes.
type PayloadType string

const (
	PayloadString PayloadType = "string"
	PayloadBase64 PayloadType = "base64"
	PayloadJSON   PayloadType = "json"
)

// payloadDecoder turns one raw JSON value into publish bytes.
type payloadDecoder func(raw json.RawMessage) ([]byte, error)

// decoders is the closed set of payload types.
var decoders = map[PayloadType]payloadDecoder{
	PayloadString: decodeString,
	PayloadBase64: decodeBase64,
	PayloadJSON:   decodeJSON,
}

// ParsePayloadType validates a payloadType field. Empty means string.
func ParsePayloadType(s string) (PayloadType, error) {
	if s == "" {
		return PayloadString, nil
	}
	pt := PayloadType(s)
	if _, ok := decoders[pt]; !ok {
		return "", invalidRequestf("unknown payloadType %q (want string, base64 or json)", s)
	}
	return pt, nil
}

// DecodePayload converts the raw JSON payload field to bytes according to
// pt. A missing field (nil raw) yields an empty payload.
//
// Returns:
//   - []byte: Payload bytes ready to publish
//   - error: *Error of kind KindInvalidPayload, or KindInvalidRequest for
//     an unknown payload type
func DecodePayload(pt PayloadType, raw json.RawMessage) ([]byte, error) {
	decode, ok := decoders[pt]
	if !ok {
		return nil, invalidRequestf("unknown payloadType %q", pt)
	}
	if len(raw) == 0 {
		return []byte{}, nil
	}
	b, err := decode(raw)
	if err != nil {
		return nil, newError(KindInvalidPayload, NoIndex, err)
	}
	return b, nil
}

// decodeString accepts JSON strings as their text and other scalars as
// their literal JSON form. null is empty.
func decodeString(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0:
		return []byte{}, nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid string payload: %w", err)
		}
		return []byte(s), nil
	case bytes.Equal(raw, []byte("null")):
		return []byte{}, nil
	case raw[0] == '{' || raw[0] == '[':
		return nil, errors.New("string payload must be a JSON scalar (use payloadType json for objects and arrays)")
	default:
		// Numbers and booleans keep their literal spelling.
		return append([]byte(nil), raw...), nil
	}
}

// decodeBase64 accepts standard base64 with or without padding.
func decodeBase64(raw json.RawMessage) ([]byte, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []byte{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("base64 payload must be a JSON string")
	}
	enc := base64.StdEncoding
	if !strings.HasSuffix(s, "=") && len(s)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	b, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return b, nil
}

// decodeJSON re-serialises any JSON value compactly with sorted object
// keys, numbers kept verbatim and no HTML escaping.
func decodeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid json payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding json payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Content types produced by EncodeResponse.
const (
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeBinary = "application/octet-stream"
)

// EncodeResponse renders delivered bytes for the given Accept header.
//
// If Accept lists text/plain or text/* the payload is converted to UTF-8
// lossily, each maximal invalid subpart becoming one U+FFFD. Otherwise the
// bytes are returned untouched as application/octet-stream.
func EncodeResponse(accept string, payload []byte) ([]byte, string) {
	if acceptsText(accept) {
		return lossyUTF8(payload), ContentTypeText
	}
	return payload, ContentTypeBinary
}

// lossyUTF8 replaces every maximal invalid subpart of p with U+FFFD.
// Valid input is returned as is.
func lossyUTF8(p []byte) []byte {
	if utf8.Valid(p) {
		return p
	}
	out := make([]byte, 0, len(p)+8)
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r != utf8.RuneError || size > 1 {
			out = append(out, p[:size]...)
			p = p[size:]
			continue
		}
		out = utf8.AppendRune(out, utf8.RuneError)
		p = p[maximalSubpart(p):]
	}
	return out
}

// maximalSubpart returns the length of the invalid sequence at the start of
// p: the longest prefix of some well-formed sequence, or a single byte when
// p[0] cannot start one.
func maximalSubpart(p []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch b := p[0]; {
	case b >= 0xC2 && b <= 0xDF:
		need = 1
	case b == 0xE0:
		need, lo = 2, 0xA0
	case b >= 0xE1 && b <= 0xEC, b == 0xEE, b == 0xEF:
		need = 2
	case b == 0xED:
		need, hi = 2, 0x9F
	case b == 0xF0:
		need, lo = 3, 0x90
	case b >= 0xF1 && b <= 0xF3:
		need = 3
	case b == 0xF4:
		need, hi = 3, 0x8F
	default:
		return 1
	}

	n := 1
	for n <= need && n < len(p) && p[n] >= lo && p[n] <= hi {
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}

// acceptsText reports whether the Accept header lists a text media range.
func acceptsText(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if q, ok := params["q"]; ok && strings.TrimSpace(q) == "0" {
			continue
		}
		if mediaType == "text/plain" || mediaType == "text/*" {
			return true
		}
	}
	return false
}
