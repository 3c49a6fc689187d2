// Package secret handles short-lived client secrets for realtime sessions:
// extracting them from the several response shapes the mint API has used,
// and fetching one from the relay's mint endpoint on the client side.
package secret

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrCredentialUnavailable means the relay has no long-lived API key
	// configured. Retrying will not help.
	ErrCredentialUnavailable = errors.New("secret: credential unavailable")

	// ErrUpstreamMint means the mint service failed or answered with a
	// shape that carries no secret. The user may retry.
	ErrUpstreamMint = errors.New("secret: upstream mint failed")
)

// maxBody bounds mint responses; a secret response is a few hundred bytes.
const maxBody = 64 << 10

// Extract returns the client secret from a mint response body. The first
// of client_secret (string), client_secret.value, value and secret that
// holds a non-empty string wins.
func Extract(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	root := gjson.ParseBytes(body)
	if cs := root.Get("client_secret"); cs.Type == gjson.String && cs.Str != "" {
		return cs.Str, true
	}
	for _, path := range []string{"client_secret.value", "value", "secret"} {
		if v := root.Get(path); v.Type == gjson.String && v.Str != "" {
			return v.Str, true
		}
	}
	return "", false
}

// Fetch asks the relay's mint endpoint at url for a client secret. A nil
// client means [http.DefaultClient].
//
// A 500 from the relay is reported as [ErrCredentialUnavailable], any other
// failure as [ErrUpstreamMint]; the relay's error message is kept in the
// wrapped error.
func Fetch(ctx context.Context, client *http.Client, url string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("secret: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstreamMint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrUpstreamMint, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if resp.StatusCode == http.StatusInternalServerError {
			return "", fmt.Errorf("%w: %s", ErrCredentialUnavailable, msg)
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrUpstreamMint, resp.StatusCode, msg)
	}

	s, ok := Extract(body)
	if !ok {
		return "", fmt.Errorf("%w: response carries no client secret", ErrUpstreamMint)
	}
	return s, nil
}
