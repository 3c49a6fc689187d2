package realtime_test

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

func TestParseUsage_TolerantShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		json            string
		in, out, cached int
	}{
		{
			name: "snake case",
			json: `{"input_tokens":10,"output_tokens":5,"input_token_details":{"cached_tokens":4}}`,
			in:   10, out: 5, cached: 4,
		},
		{
			name: "camel case",
			json: `{"inputTokens":7,"outputTokens":3,"inputTokensDetails":{"cached":2}}`,
			in:   7, out: 3, cached: 2,
		},
		{
			name: "plural details and input_cached_tokens",
			json: `{"input_tokens":9,"output_tokens":1,"input_tokens_details":{"input_cached_tokens":8}}`,
			in:   9, out: 1, cached: 8,
		},
		{
			name: "missing fields default to zero",
			json: `{}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u, ok := realtime.ParseUsage(gjson.Parse(tc.json))
			if !ok {
				t.Fatal("ParseUsage reported no usage")
			}
			if u.InputTokens != tc.in || u.OutputTokens != tc.out || u.CachedTokens != tc.cached {
				t.Errorf("Usage = %+v, want in=%d out=%d cached=%d", u, tc.in, tc.out, tc.cached)
			}
		})
	}
}

func TestParseUsage_NotAnObject(t *testing.T) {
	t.Parallel()

	if u, ok := realtime.ParseUsage(gjson.Parse(`null`)); ok || u != nil {
		t.Errorf("ParseUsage(null) = %+v, %v", u, ok)
	}
}
