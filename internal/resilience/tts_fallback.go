package resilience

import (
	"context"
	"fmt"

	"github.com/halyard-ai/halyard/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover to a backup
// backend. The primary is skipped when its breaker in the shared set is open
// and enforcement is on; a failed primary call records into the breaker and
// the backup is tried in the same request.
type TTSFallback struct {
	primary  tts.Provider
	backup   tts.Provider
	breakers *BreakerSet
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback wraps primary with failover to backup. breakers is the
// process-wide set so the fallback shares state with the provider-call logger.
func NewTTSFallback(primary, backup tts.Provider, breakers *BreakerSet) *TTSFallback {
	return &TTSFallback{primary: primary, backup: backup, breakers: breakers}
}

// SynthesizeStream starts synthesis on the first healthy backend. Only stream
// setup is covered by failover; mid-stream errors are the caller's
// responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p, key := f.pick("tts.stream")
	ch, err := p.SynthesizeStream(ctx, text, voice)
	if err == nil {
		f.breakers.RecordSuccess(key)
		return ch, nil
	}
	f.breakers.RecordFailure(key)
	if p == f.backup || f.backup == nil {
		return nil, fmt.Errorf("resilience: tts stream: %w", err)
	}
	ch, berr := f.backup.SynthesizeStream(ctx, text, voice)
	if berr != nil {
		f.breakers.RecordFailure(f.keyFor(f.backup, "tts.stream"))
		return nil, fmt.Errorf("resilience: tts stream on backup: %w", berr)
	}
	f.breakers.RecordSuccess(f.keyFor(f.backup, "tts.stream"))
	return ch, nil
}

// Synthesize converts one complete text on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p, key := f.pick("tts.synthesize")
	audio, err := p.Synthesize(ctx, text, voice)
	if err == nil {
		f.breakers.RecordSuccess(key)
		return audio, nil
	}
	f.breakers.RecordFailure(key)
	if p == f.backup || f.backup == nil {
		return nil, fmt.Errorf("resilience: tts synthesize: %w", err)
	}
	audio, berr := f.backup.Synthesize(ctx, text, voice)
	if berr != nil {
		f.breakers.RecordFailure(f.keyFor(f.backup, "tts.synthesize"))
		return nil, fmt.Errorf("resilience: tts synthesize on backup: %w", berr)
	}
	f.breakers.RecordSuccess(f.keyFor(f.backup, "tts.synthesize"))
	return audio, nil
}

// Name returns the name of the backend a call would currently route to.
func (f *TTSFallback) Name() string {
	return f.current().Name()
}

// ModelID returns the model of the backend a call would currently route to.
func (f *TTSFallback) ModelID() string {
	return f.current().ModelID()
}

// current resolves the routing identity: the backup once the primary's
// breaker is open for any TTS operation and enforcement is on.
func (f *TTSFallback) current() tts.Provider {
	if f.backup == nil || f.breakers.ObserveOnly() {
		return f.primary
	}
	for _, op := range []string{"tts.synthesize", "tts.stream"} {
		if f.breakers.IsOpen(f.keyFor(f.primary, op)) {
			return f.backup
		}
	}
	return f.primary
}

// pick returns the backend to try first and its breaker key. The primary is
// always chosen while the set runs observe-only.
func (f *TTSFallback) pick(operation string) (tts.Provider, Key) {
	key := f.keyFor(f.primary, operation)
	if f.backup != nil && !f.breakers.ObserveOnly() && f.breakers.IsOpen(key) {
		return f.backup, f.keyFor(f.backup, operation)
	}
	return f.primary, key
}

func (f *TTSFallback) keyFor(p tts.Provider, operation string) Key {
	return Key{Operation: operation, Provider: p.Name(), Model: p.ModelID()}
}
