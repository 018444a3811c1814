package record

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_LiftsKnownFields(t *testing.T) {
	raw := `{
		"id": "253591",
		"question": "Will the incumbent win the presidential election?",
		"description": "Resolves YES if...",
		"closed": true,
		"volumeNum": 1234.5,
		"volume": "1234.5",
		"events": [{"id": "9", "title": "Presidential Election", "electionType": "presidential"}],
		"clobTokenIds": "[\"1\",\"2\"]"
	}`
	var r Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Equal(t, "253591", r.ID)
	assert.True(t, r.HasID())
	assert.Equal(t, "Will the incumbent win the presidential election?", r.Headline())
	require.NotNil(t, r.Closed)
	assert.True(t, *r.Closed)
	assert.Nil(t, r.Active)
	require.Len(t, r.Events, 1)
	assert.Equal(t, "presidential", r.Events[0].Text("electionType"))
	assert.Contains(t, r.Extra, "volumeNum")
	assert.Contains(t, r.Extra, "clobTokenIds")
	assert.NotContains(t, r.Extra, "question")
}

func TestUnmarshal_NumericAndMissingIDs(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantID string
	}{
		{name: "numeric id", raw: `{"id": 12}`, wantID: "12"},
		{name: "padded string id", raw: `{"id": "  7 "}`, wantID: "7"},
		{name: "null id", raw: `{"id": null}`, wantID: ""},
		{name: "blank id", raw: `{"id": "   "}`, wantID: ""},
		{name: "missing id", raw: `{"question": "q"}`, wantID: ""},
		{name: "object id", raw: `{"id": {"x": 1}}`, wantID: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &r))
			assert.Equal(t, tt.wantID, r.ID)
			assert.Equal(t, tt.wantID != "", r.HasID())
		})
	}
}

func TestRoundTrip_PreservesFields(t *testing.T) {
	raw := `{"id":5,"question":null,"title":"T","active":"yes","tokens":[{"token_id":"1","outcome":"Yes"}],"spread":0.01,"nested":{"a":[1,2]}}`
	var r Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	// question:null and active:"yes" stay verbatim in Extra.
	assert.Nil(t, r.Question)
	assert.Nil(t, r.Active)
	assert.Contains(t, r.Extra, "question")
	assert.Contains(t, r.Extra, "active")

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	keys := r.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"active", "id", "nested", "question", "spread", "title", "tokens"}, keys)
}

func TestUnmarshal_NotAnObject(t *testing.T) {
	var r Record
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &r))
}

func TestNested_EventsThenTokens(t *testing.T) {
	r := Record{
		Events: []Record{{ID: "e1"}},
		Tokens: []Record{{ID: "t1"}, {ID: "t2"}},
	}
	nested := r.Nested()
	require.Len(t, nested, 3)
	assert.Equal(t, "e1", nested[0].ID)
	assert.Equal(t, "t2", nested[2].ID)
	assert.Empty(t, Record{}.Nested())
}

func TestFloat(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   float64
		wantOK bool
	}{
		{name: "float", in: 2.5, want: 2.5, wantOK: true},
		{name: "int", in: 3, want: 3, wantOK: true},
		{name: "json number", in: json.Number("1e3"), want: 1000, wantOK: true},
		{name: "numeric string", in: " 42.25 ", want: 42.25, wantOK: true},
		{name: "non numeric string", in: "lots", wantOK: false},
		{name: "empty string", in: "", wantOK: false},
		{name: "nil", in: nil, wantOK: false},
		{name: "bool", in: true, wantOK: false},
		{name: "nan string", in: "NaN", wantOK: false},
		{name: "inf string", in: "+Inf", wantOK: false},
		{name: "slice", in: []any{1}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Float(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-9)
			} else {
				assert.Zero(t, got)
			}
		})
	}
}

func TestRankKey_FallbackChain(t *testing.T) {
	decode := func(s string) Record {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(s), &r))
		return r
	}
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{name: "primary", raw: `{"id":"1","volumeNum":10,"volume":"5"}`, want: 10},
		{name: "primary null falls back", raw: `{"id":"1","volumeNum":null,"volume":"5"}`, want: 5},
		{name: "primary garbage falls back", raw: `{"id":"1","volumeNum":"n/a","volume":7}`, want: 7},
		{name: "secondary only", raw: `{"id":"1","volume":"3.5"}`, want: 3.5},
		{name: "both unusable", raw: `{"id":"1","volumeNum":"x","volume":null}`, want: 0},
		{name: "absent", raw: `{"id":"1"}`, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RankKey(decode(tt.raw), "volumeNum", "volume"))
		})
	}
}
