package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/chronoxa/internal/observe"
	"github.com/MrWong99/chronoxa/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary. When metrics is
// non-nil every attempt is counted per provider.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, metrics *observe.Metrics) *LLMFallback {
	if metrics != nil && cfg.OnAttempt == nil {
		cfg.OnAttempt = func(ctx context.Context, name string, err error) {
			switch {
			case err == nil:
				metrics.RecordProviderRequest(ctx, name, "ok")
			case errors.Is(err, ErrCircuitOpen):
				metrics.RecordProviderError(ctx, name, "circuit_open")
			case errors.Is(err, context.DeadlineExceeded):
				metrics.RecordProviderRequest(ctx, name, "error")
				metrics.RecordProviderError(ctx, name, "timeout")
			default:
				metrics.RecordProviderRequest(ctx, name, "error")
				metrics.RecordProviderError(ctx, name, "request")
			}
		}
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names lists the backends in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities. Tool calling is only
// claimed when every backend supports it, since any of them may answer.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	caps := f.group.entries[0].value.Capabilities()
	for _, e := range f.group.entries[1:] {
		if !e.value.Capabilities().SupportsToolCalling {
			caps.SupportsToolCalling = false
		}
	}
	return caps
}
