package backfill

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DocumentKind tags the variant held by a Document.
type DocumentKind uint8

// Document variants.
const (
	KindEmpty DocumentKind = iota
	KindObject
	KindRaw
)

func (k DocumentKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindRaw:
		return "raw"
	default:
		return "empty"
	}
}

// wrapperContentField and wrapperNameField describe the pinned-file wrapper shape.
const (
	wrapperContentField = "content"
	wrapperNameField    = "name"
)

// Document is the normalized contents of a record: the empty sentinel, a
// parsed JSON object, or an opaque string that could not be parsed.
type Document struct {
	kind   DocumentKind
	object map[string]any
	raw    string
}

// EmptyDocument returns the "not yet fetched" sentinel.
func EmptyDocument() Document {
	return Document{kind: KindEmpty}
}

// ObjectDocument wraps a JSON object. An object without keys is the empty sentinel.
func ObjectDocument(obj map[string]any) Document {
	if len(obj) == 0 {
		return EmptyDocument()
	}
	return Document{kind: KindObject, object: obj}
}

// RawDocument wraps an opaque string. A blank string is the empty sentinel.
func RawDocument(raw string) Document {
	if strings.TrimSpace(raw) == "" {
		return EmptyDocument()
	}
	return Document{kind: KindRaw, raw: raw}
}

// Kind reports which variant d holds.
func (d Document) Kind() DocumentKind { return d.kind }

// IsEmpty reports whether d is the empty sentinel.
func (d Document) IsEmpty() bool { return d.kind == KindEmpty }

// Object returns the object variant.
func (d Document) Object() (map[string]any, bool) {
	if d.kind != KindObject {
		return nil, false
	}
	return d.object, true
}

// Raw returns the opaque string variant.
func (d Document) Raw() (string, bool) {
	if d.kind != KindRaw {
		return "", false
	}
	return d.raw, true
}

// MarshalJSON encodes the empty sentinel as {}, objects as themselves and raw
// values as a JSON string.
func (d Document) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindObject:
		out, err := json.Marshal(d.object)
		if err != nil {
			return nil, fmt.Errorf("marshal object document: %w", err)
		}
		return out, nil
	case KindRaw:
		out, err := json.Marshal(d.raw)
		if err != nil {
			return nil, fmt.Errorf("marshal raw document: %w", err)
		}
		return out, nil
	default:
		return []byte("{}"), nil
	}
}

// UnmarshalJSON decodes a stored contents column.
func (d *Document) UnmarshalJSON(data []byte) error {
	doc, err := DecodeDocument(data)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// DecodeDocument rebuilds a Document from a stored contents column. NULL,
// null and {} are all the empty sentinel; a JSON string is raw; any other
// non-object value is kept verbatim as raw text.
func DecodeDocument(data []byte) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return EmptyDocument(), nil
	}
	value, err := decodeJSON(trimmed)
	if err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	switch v := value.(type) {
	case map[string]any:
		return ObjectDocument(v), nil
	case string:
		return RawDocument(v), nil
	default:
		return RawDocument(string(trimmed)), nil
	}
}

// Classify normalizes a gateway payload.
//
// Anything that is not a JSON object (including arrays) becomes the empty
// sentinel. A pinned-file wrapper ({"name": ..., "content": ...}) is unwrapped:
// a string content is parsed as JSON and, when it yields an object, merged over
// the wrapper's remaining fields with the wrapper name dropped. Content that is
// not an object is kept under "content" when other wrapper fields survive, and
// becomes a raw document otherwise. Any other object is the document itself.
func Classify(raw []byte) Document {
	value, err := decodeJSON(bytes.TrimSpace(raw))
	if err != nil {
		return EmptyDocument()
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return EmptyDocument()
	}
	inner, wrapped := obj[wrapperContentField]
	if !wrapped {
		return ObjectDocument(obj)
	}

	rest := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == wrapperContentField || k == wrapperNameField {
			continue
		}
		rest[k] = v
	}

	original, isString := inner.(string)
	if isString {
		if parsed, perr := decodeJSON([]byte(original)); perr == nil {
			inner = parsed
		}
	}

	if innerObj, isObj := inner.(map[string]any); isObj {
		for k, v := range innerObj {
			rest[k] = v
		}
		return ObjectDocument(rest)
	}

	if len(rest) > 0 {
		rest[wrapperContentField] = inner
		return ObjectDocument(rest)
	}
	if isString {
		return RawDocument(original)
	}
	return EmptyDocument()
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	return value, nil
}
