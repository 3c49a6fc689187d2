package realtime

import "github.com/tidwall/gjson"

// Usage is token accounting for one response.
type Usage struct {
	InputTokens  int
	OutputTokens int

	// CachedTokens is the cached share of InputTokens, zero if unreported.
	CachedTokens int

	// InputDetails and OutputDetails hold the numeric breakdown fields the
	// service reported (text_tokens, audio_tokens, ...), keyed as received.
	InputDetails  map[string]int
	OutputDetails map[string]int
}

// The service and its SDKs have used several spellings for the same fields;
// the first one present wins.
var (
	inputTokenPaths   = []string{"input_tokens", "inputTokens"}
	outputTokenPaths  = []string{"output_tokens", "outputTokens"}
	inputDetailPaths  = []string{"input_token_details", "input_tokens_details", "inputTokensDetails"}
	outputDetailPaths = []string{"output_token_details", "output_tokens_details", "outputTokensDetails"}
	cachedTokenPaths  = []string{"cached_tokens", "cached", "input_cached_tokens"}
)

// ParseUsage extracts usage from a usage object. It reports false when u is
// not an object.
func ParseUsage(u gjson.Result) (*Usage, bool) {
	if !u.IsObject() {
		return nil, false
	}
	inDet := firstOf(u, inputDetailPaths...)
	outDet := firstOf(u, outputDetailPaths...)
	return &Usage{
		InputTokens:   int(firstOf(u, inputTokenPaths...).Int()),
		OutputTokens:  int(firstOf(u, outputTokenPaths...).Int()),
		CachedTokens:  int(firstOf(inDet, cachedTokenPaths...).Int()),
		InputDetails:  numericFields(inDet),
		OutputDetails: numericFields(outDet),
	}, true
}

// firstOf returns the first path of r that exists.
func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func numericFields(r gjson.Result) map[string]int {
	if !r.IsObject() {
		return nil
	}
	out := make(map[string]int)
	r.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			out[k.String()] = int(v.Int())
		}
		return true
	})
	return out
}
