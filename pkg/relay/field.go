package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NestedRef is an object-shaped value some providers send where text is
// expected. Only its id or name is meaningful.
type NestedRef struct {
	ID   json.RawMessage `json:"id"`
	Name json.RawMessage `json:"name"`
}

// Field is a response value that is either Text, a NestedRef, or some other
// JSON scalar or array kept raw. The zero value is an absent field.
type Field struct {
	Text *string
	Ref  *NestedRef
	Raw  json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Field) UnmarshalJSON(b []byte) error {
	*f = Field{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode text field: %w", err)
		}
		f.Text = &s
	case '{':
		var ref NestedRef
		if err := json.Unmarshal(b, &ref); err != nil {
			return fmt.Errorf("decode nested field: %w", err)
		}
		f.Ref = &ref
	default:
		f.Raw = append(json.RawMessage(nil), b...)
	}
	return nil
}

// String coerces the field to text. A NestedRef yields its id, falling back
// to its name. Other values yield their JSON text.
func (f Field) String() string {
	switch {
	case f.Text != nil:
		return *f.Text
	case f.Ref != nil:
		if s := scalarText(f.Ref.ID); s != "" {
			return s
		}
		return scalarText(f.Ref.Name)
	case f.Raw != nil:
		return scalarText(f.Raw)
	}
	return ""
}

func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
