package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"litingest/internal/config"
)

var (
	ErrProvidersExhausted = errors.New("all providers exhausted")
	ErrWidthMismatch      = errors.New("provider returned vectors of the wrong width")
)

type NamedEmbedProvider struct {
	Ref      ProviderRef
	Provider EmbeddingProvider
}

type NamedVisionProvider struct {
	Ref      ProviderRef
	Provider VisionProvider
}

type NamedImageProvider struct {
	Ref      ProviderRef
	Provider ImageEmbeddingProvider
}

// CallRecord is one model invocation, successful or not.
type CallRecord struct {
	CallID       string `json:"call_id"`
	Operation    string `json:"operation"`
	ProviderName string `json:"provider_name"`
	Model        string `json:"model"`
	Status       string `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`
}

type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Manager fans each call out over the configured providers in preferred order,
// cooling down providers that fail. It is safe for concurrent use.
type Manager struct {
	embedProviders  []NamedEmbedProvider
	visionProviders []NamedVisionProvider
	imageProviders  []NamedImageProvider

	cooldown time.Duration
	backoff  time.Duration
	recorder CallRecorder
	now      func() time.Time

	mu            sync.Mutex
	disabledUntil map[string]time.Time
}

func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	m := newManager(time.Duration(cfg.ProviderCooldownSecs) * time.Second)
	for _, ref := range ParseProviderList(cfg.EmbedProviders) {
		p, err := buildProvider(ctx, ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		embed, ok := p.(EmbeddingProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support embeddings", ref.Raw)
		}
		m.embedProviders = append(m.embedProviders, NamedEmbedProvider{Ref: ref, Provider: embed})
	}
	for _, ref := range ParseProviderList(cfg.CaptionProviders) {
		p, err := buildProvider(ctx, ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		vision, ok := p.(VisionProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support captioning", ref.Raw)
		}
		m.visionProviders = append(m.visionProviders, NamedVisionProvider{Ref: ref, Provider: vision})
	}
	for _, ref := range ParseProviderList(cfg.ImageEmbedProviders) {
		p, err := buildProvider(ctx, ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		img, ok := p.(ImageEmbeddingProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support image embeddings", ref.Raw)
		}
		m.imageProviders = append(m.imageProviders, NamedImageProvider{Ref: ref, Provider: img})
	}
	return m, nil
}

func newManager(cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Manager{
		cooldown:      cooldown,
		backoff:       time.Second,
		now:           time.Now,
		disabledUntil: map[string]time.Time{},
	}
}

// SetRecorder attaches the model-call audit sink.
func (m *Manager) SetRecorder(r CallRecorder) {
	m.recorder = r
}

func (m *Manager) EmbedProviderRefs() []ProviderRef {
	out := make([]ProviderRef, 0, len(m.embedProviders))
	for i := range m.embedProviders {
		out = append(out, m.embedProviders[i].Ref)
	}
	return out
}

func (m *Manager) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	refs := make([]ProviderRef, len(m.embedProviders))
	for i := range m.embedProviders {
		refs[i] = m.embedProviders[i].Ref
	}
	return withFailover(ctx, m, "embed", req.Operation, refs, func(i int) ([][]float32, ProviderInfo, error) {
		vecs, info, err := m.embedProviders[i].Provider.Embed(ctx, req)
		if err == nil {
			err = checkWidth(info, req.Dimension, vecs)
		}
		return vecs, info, err
	})
}

func (m *Manager) Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error) {
	refs := make([]ProviderRef, len(m.visionProviders))
	for i := range m.visionProviders {
		refs[i] = m.visionProviders[i].Ref
	}
	return withFailover(ctx, m, "caption", req.Operation, refs, func(i int) (CaptionResponse, ProviderInfo, error) {
		return m.visionProviders[i].Provider.Caption(ctx, req)
	})
}

func (m *Manager) EmbedImage(ctx context.Context, req ImageEmbedRequest) ([][]float32, ProviderInfo, error) {
	refs := make([]ProviderRef, len(m.imageProviders))
	for i := range m.imageProviders {
		refs[i] = m.imageProviders[i].Ref
	}
	return withFailover(ctx, m, "image", req.Operation, refs, func(i int) ([][]float32, ProviderInfo, error) {
		vecs, info, err := m.imageProviders[i].Provider.EmbedImage(ctx, req)
		if err == nil {
			err = checkWidth(info, req.Dimension, vecs)
		}
		return vecs, info, err
	})
}

// checkWidth rejects a reply whose vectors are not dim wide, so the next provider is
// tried instead of handing unusable vectors to the store. dim 0 disables the check.
func checkWidth(info ProviderInfo, dim int, vecs [][]float32) error {
	if dim <= 0 {
		return nil
	}
	for _, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: %s/%s gave %d, want %d", ErrWidthMismatch, info.Name, info.Model, len(v), dim)
		}
	}
	return nil
}

func withFailover[T any](ctx context.Context, m *Manager, kind, operation string, refs []ProviderRef, call func(i int) (T, ProviderInfo, error)) (T, ProviderInfo, error) {
	var zero T
	var lastErr error
	order := preferredOrder(len(refs), func(i int) string { return strings.ToLower(refs[i].Name) })
	for _, idx := range order {
		key := kind + ":" + refs[idx].Raw
		if m.isDisabled(key) {
			continue
		}
	attempts:
		for attempt := 0; ; attempt++ {
			out, info, err := call(idx)
			if info.Name == "" {
				info.Name = refs[idx].Name
			}
			m.record(ctx, operation, info, err)
			if err == nil {
				return out, info, nil
			}
			if ctx.Err() != nil {
				return zero, info, ctx.Err()
			}
			lastErr = fmt.Errorf("%s via %s: %w", kind, refs[idx].Raw, err)
			switch ClassifyError(err) {
			case ErrorQuota:
				m.disable(key, m.cooldown)
				break attempts
			case ErrorRate:
				if attempt < 2 {
					if err := m.sleep(ctx, time.Duration(attempt+1)*2*m.backoff); err != nil {
						return zero, info, err
					}
					continue
				}
				m.disable(key, 2*time.Minute)
				break attempts
			case ErrorTransient:
				if attempt < 2 {
					if err := m.sleep(ctx, time.Duration(attempt+1)*m.backoff); err != nil {
						return zero, info, err
					}
					continue
				}
				break attempts
			case ErrorContext:
				break attempts
			default:
				m.disable(key, time.Minute)
				break attempts
			}
		}
	}
	if lastErr == nil {
		return zero, ProviderInfo{}, fmt.Errorf("%w: no %s provider available", ErrProvidersExhausted, kind)
	}
	return zero, ProviderInfo{}, fmt.Errorf("%w: %w", ErrProvidersExhausted, lastErr)
}

func (m *Manager) isDisabled(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.disabledUntil[key]
	return ok && m.now().Before(until)
}

func (m *Manager) disable(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabledUntil[key] = m.now().Add(d)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) record(ctx context.Context, operation string, info ProviderInfo, err error) {
	if m.recorder == nil {
		return
	}
	rec := CallRecord{
		CallID:       uuid.NewString(),
		Operation:    operation,
		ProviderName: info.Name,
		Model:        info.Model,
		Status:       "ok",
	}
	if err != nil {
		rec.Status = "failed"
		rec.ErrorType = string(ClassifyError(err))
	}
	_ = m.recorder.RecordCall(ctx, rec)
}

func preferredOrder(n int, nameAt func(i int) string) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if nameAt(i) != "mock" {
			out = append(out, i)
		}
	}
	for i := 0; i < n; i++ {
		if nameAt(i) == "mock" {
			out = append(out, i)
		}
	}
	return out
}

func buildProvider(ctx context.Context, ref ProviderRef, dim int) (any, error) {
	switch strings.ToLower(ref.Name) {
	case "mock":
		return NewMockProvider(dim), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias), nil
	case "ollama":
		return NewOllamaProvider(ref.KeyAlias), nil
	case "groq":
		return NewGroqProvider(ref.KeyAlias), nil
	case "gemini":
		return NewGeminiProvider(ctx, ref.KeyAlias)
	case "patches":
		return NewPatchEmbeddingProvider(ref.KeyAlias), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", ref.Name)
	}
}
