package observe

import (
	"context"
	"time"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// TurnRecorder exports turn telemetry from the client's aggregator to
// [Metrics]. It satisfies turns.Recorder.
type TurnRecorder struct {
	m   *Metrics
	ctx context.Context
}

// NewTurnRecorder returns a recorder that reports to m. Measurements are
// recorded against ctx.
func NewTurnRecorder(ctx context.Context, m *Metrics) *TurnRecorder {
	return &TurnRecorder{m: m, ctx: ctx}
}

// FirstAudio records a first-audio latency sample.
func (r *TurnRecorder) FirstAudio(latency time.Duration) {
	r.m.RecordFirstAudio(r.ctx, latency)
}

// Usage records the token counts of one response.
func (r *TurnRecorder) Usage(u realtime.Usage) {
	r.m.RecordTokens(r.ctx, u.InputTokens, u.OutputTokens, u.CachedTokens)
}

// Interruption counts an interruption by cause.
func (r *TurnRecorder) Interruption(cause string) {
	r.m.RecordInterruption(r.ctx, cause)
}

// PlaybackFlushed counts sources dropped by a playback flush.
func (r *TurnRecorder) PlaybackFlushed(sources int) {
	if sources > 0 {
		r.m.PlaybackFlushes.Add(r.ctx, int64(sources))
	}
}
