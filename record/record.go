// Package record holds the catalog record model shared by the harvester, the
// adapters and the sinks.
//
// A Record keeps a handful of typed fields the pipeline actually reads and
// parks everything else, verbatim, in Extra. Marshalling a decoded Record
// yields the same set of fields it was decoded from.
package record

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// Well-known field names.
const (
	FieldID             = "id"
	FieldQuestion       = "question"
	FieldTitle          = "title"
	FieldDescription    = "description"
	FieldCategory       = "category"
	FieldSlug           = "slug"
	FieldConditionID    = "conditionId"
	FieldGroupItemTitle = "groupItemTitle"
	FieldActive         = "active"
	FieldClosed         = "closed"
	FieldEvents         = "events"
	FieldTokens         = "tokens"
)

// Record is one catalog entry (a market, or a nested event/token).
//
// Pointer fields are nil when the key was absent or null. Events and Tokens
// are nil when absent; an empty JSON array decodes to an empty, non-nil slice.
type Record struct {
	ID             string
	Question       *string
	Title          *string
	Description    *string
	Category       *string
	Slug           *string
	ConditionID    *string
	GroupItemTitle *string
	Active         *bool
	Closed         *bool
	Events         []Record
	Tokens         []Record

	// Extra holds every field without a typed home, verbatim.
	Extra map[string]json.RawMessage

	rawID json.RawMessage
}

// HasID reports whether the record carries a usable identifier.
func (r Record) HasID() bool { return r.ID != "" }

// Headline returns the question, falling back to the title (events use title).
func (r Record) Headline() string {
	if r.Question != nil && *r.Question != "" {
		return *r.Question
	}
	return deref(r.Title)
}

// Nested returns the embedded sub-records (events first, then tokens).
func (r Record) Nested() []Record {
	if len(r.Events) == 0 {
		return r.Tokens
	}
	if len(r.Tokens) == 0 {
		return r.Events
	}
	out := make([]Record, 0, len(r.Events)+len(r.Tokens))
	out = append(out, r.Events...)
	return append(out, r.Tokens...)
}

// Text returns the string value of a field, or "" when it is absent or not a string.
func (r Record) Text(key string) string {
	v, ok := r.Field(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Field returns the decoded value of a field. Extra values are decoded with
// json.Number for numbers, so large volumes keep their precision.
func (r Record) Field(key string) (any, bool) {
	switch key {
	case FieldID:
		if r.ID == "" {
			break
		}
		return r.ID, true
	case FieldQuestion:
		return strField(r.Question)
	case FieldTitle:
		return strField(r.Title)
	case FieldDescription:
		return strField(r.Description)
	case FieldCategory:
		return strField(r.Category)
	case FieldSlug:
		return strField(r.Slug)
	case FieldConditionID:
		return strField(r.ConditionID)
	case FieldGroupItemTitle:
		return strField(r.GroupItemTitle)
	case FieldActive:
		return boolField(r.Active)
	case FieldClosed:
		return boolField(r.Closed)
	case FieldEvents:
		if r.Events != nil {
			return r.Events, true
		}
	case FieldTokens:
		if r.Tokens != nil {
			return r.Tokens, true
		}
	}
	raw, ok := r.Extra[key]
	if !ok {
		return nil, false
	}
	v, err := decodeRaw(raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Keys returns every field name present on the record, typed or extra.
// A key is either lifted into a typed field or kept in Extra, never both.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Extra)+12)
	typed := []struct {
		key string
		set bool
	}{
		{FieldID, r.ID != ""},
		{FieldQuestion, r.Question != nil},
		{FieldTitle, r.Title != nil},
		{FieldDescription, r.Description != nil},
		{FieldCategory, r.Category != nil},
		{FieldSlug, r.Slug != nil},
		{FieldConditionID, r.ConditionID != nil},
		{FieldGroupItemTitle, r.GroupItemTitle != nil},
		{FieldActive, r.Active != nil},
		{FieldClosed, r.Closed != nil},
		{FieldEvents, r.Events != nil},
		{FieldTokens, r.Tokens != nil},
	}
	for _, t := range typed {
		if t.set {
			keys = append(keys, t.key)
		}
	}
	for k := range r.Extra {
		keys = append(keys, k)
	}
	return keys
}

// UnmarshalJSON lifts known fields whose JSON type matches and keeps the rest in Extra.
func (r *Record) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return errors.Wrap(err, "record is not a JSON object")
	}
	*r = Record{}
	for key, raw := range fields {
		if r.lift(key, raw) {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage, len(fields))
		}
		r.Extra[key] = raw
	}
	return nil
}

func (r *Record) lift(key string, raw json.RawMessage) bool {
	switch key {
	case FieldID:
		id, ok := parseID(raw)
		if !ok {
			return false
		}
		r.ID, r.rawID = id, raw
		return true
	case FieldQuestion:
		return liftString(raw, &r.Question)
	case FieldTitle:
		return liftString(raw, &r.Title)
	case FieldDescription:
		return liftString(raw, &r.Description)
	case FieldCategory:
		return liftString(raw, &r.Category)
	case FieldSlug:
		return liftString(raw, &r.Slug)
	case FieldConditionID:
		return liftString(raw, &r.ConditionID)
	case FieldGroupItemTitle:
		return liftString(raw, &r.GroupItemTitle)
	case FieldActive:
		return liftBool(raw, &r.Active)
	case FieldClosed:
		return liftBool(raw, &r.Closed)
	case FieldEvents:
		return liftRecords(raw, &r.Events)
	case FieldTokens:
		return liftRecords(raw, &r.Tokens)
	}
	return false
}

// MarshalJSON writes typed fields and Extra back into a single object.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+12)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.ID != "" {
		if len(r.rawID) > 0 {
			out[FieldID] = r.rawID
		} else {
			out[FieldID] = r.ID
		}
	}
	putString(out, FieldQuestion, r.Question)
	putString(out, FieldTitle, r.Title)
	putString(out, FieldDescription, r.Description)
	putString(out, FieldCategory, r.Category)
	putString(out, FieldSlug, r.Slug)
	putString(out, FieldConditionID, r.ConditionID)
	putString(out, FieldGroupItemTitle, r.GroupItemTitle)
	if r.Active != nil {
		out[FieldActive] = *r.Active
	}
	if r.Closed != nil {
		out[FieldClosed] = *r.Closed
	}
	if r.Events != nil {
		out[FieldEvents] = r.Events
	}
	if r.Tokens != nil {
		out[FieldTokens] = r.Tokens
	}
	return json.Marshal(out)
}

// ───────── helpers ─────────

// parseID accepts a JSON string or number. Blank strings and null are not ids.
func parseID(raw json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	}
	return "", false
}

func liftString(raw json.RawMessage, dst **string) bool {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return false
	}
	*dst = s
	return true
}

func liftBool(raw json.RawMessage, dst **bool) bool {
	var b *bool
	if err := json.Unmarshal(raw, &b); err != nil || b == nil {
		return false
	}
	*dst = b
	return true
}

func liftRecords(raw json.RawMessage, dst *[]Record) bool {
	var recs []Record
	if err := json.Unmarshal(raw, &recs); err != nil || recs == nil {
		return false
	}
	*dst = recs
	return true
}

func putString(out map[string]any, key string, s *string) {
	if s != nil {
		out[key] = *s
	}
}

func strField(s *string) (any, bool) {
	if s == nil {
		return nil, false
	}
	return *s, true
}

func boolField(b *bool) (any, bool) {
	if b == nil {
		return nil, false
	}
	return *b, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decodeRaw(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// String is a small helper for building records in code.
func String(s string) *string { return &s }

// Bool is a small helper for building records in code.
func Bool(b bool) *bool { return &b }
