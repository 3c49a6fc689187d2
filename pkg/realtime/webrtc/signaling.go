package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrSignalingFailed is returned by Dial when the SDP exchange with the
// handshake endpoint does not produce an answer.
var ErrSignalingFailed = errors.New("webrtc: signaling failed")

// sdkHeader identifies this client to the Realtime calls endpoint.
const (
	sdkHeader      = "X-OpenAI-Agents-SDK"
	sdkHeaderValue = "voxbridge"
	maxAnswerBytes = 1 << 20
)

// exchange posts the local offer to the handshake endpoint and returns the
// remote answer.
func (d *Dialer) exchange(ctx context.Context, secret, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.handshakeURL, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("webrtc: build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set(sdkHeader, sdkHeaderValue)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignalingFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read answer: %w", ErrSignalingFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrSignalingFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	answer := string(body)
	if !strings.HasPrefix(answer, "v=") {
		return "", fmt.Errorf("%w: response is not an SDP answer", ErrSignalingFailed)
	}
	return answer, nil
}
