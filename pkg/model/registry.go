package model

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nstogner/aichat/pkg/domain"
)

// MaxSlots is the number of numbered model slots scanned on load.
const MaxSlots = 20

// Provider kinds a descriptor can be relayed through.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const geminiHost = "generativelanguage.googleapis.com"

// Descriptor is the registry's record for one externally reachable model
// endpoint. The ID doubles as the provider-facing model name.
type Descriptor struct {
	ID       string
	Name     string
	BaseURL  string
	APIKey   string
	Enabled  bool
	Provider string
}

// Available reports whether the descriptor can be used for a relay call.
func (d Descriptor) Available() bool {
	return d.Enabled && d.APIKey != "" && !LooksLikePlaceholder(d.APIKey)
}

// LooksLikePlaceholder reports whether key is an unfilled template value
// such as "your-api-key" or "${QWEN_API_KEY}".
func LooksLikePlaceholder(key string) bool {
	return strings.Contains(key, "your-") || strings.Contains(key, "${")
}

// ProviderFor derives the provider kind from a base URL.
func ProviderFor(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ProviderOpenAI
	}
	if u.Scheme == ProviderGemini || strings.EqualFold(u.Hostname(), geminiHost) {
		return ProviderGemini
	}
	return ProviderOpenAI
}

// MaskKey hides all but the first and last four characters of an API key.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Slot is one numbered model definition from configuration.
type Slot struct {
	Name string
	URL  string
	Key  string
}

// SlotSource supplies numbered model slots and named fallback keys.
type SlotSource interface {
	// Slot returns the definition for slot n (1-based). An empty Name means
	// the slot is not configured.
	Slot(n int) Slot

	// Lookup returns a named configuration value, or "" if unset.
	Lookup(key string) string
}

// MapSource is a SlotSource backed by flat MODEL_<n>_NAME / _URL / _KEY keys.
type MapSource map[string]string

// Slot implements SlotSource.
func (m MapSource) Slot(n int) Slot {
	return Slot{
		Name: m[fmt.Sprintf("MODEL_%d_NAME", n)],
		URL:  m[fmt.Sprintf("MODEL_%d_URL", n)],
		Key:  m[fmt.Sprintf("MODEL_%d_KEY", n)],
	}
}

// Lookup implements SlotSource.
func (m MapSource) Lookup(key string) string { return m[key] }

// Registry is an immutable, ordered set of model descriptors. It is safe for
// concurrent use.
type Registry struct {
	models []Descriptor
	index  map[string]int
}

// New builds a registry from descriptors. Later descriptors whose ID is
// already present are dropped.
func New(descs ...Descriptor) *Registry {
	r := &Registry{index: make(map[string]int, len(descs))}
	for _, d := range descs {
		if _, dup := r.index[d.ID]; dup {
			slog.Warn("Duplicate model id ignored", "id", d.ID)
			continue
		}
		if d.Provider == "" {
			d.Provider = ProviderFor(d.BaseURL)
		}
		r.index[d.ID] = len(r.models)
		r.models = append(r.models, d)
	}
	return r
}

// Load scans all MaxSlots slots of src. Gaps do not stop the scan. When no
// slot yields a descriptor, the built-in fallback list is used for every
// entry whose key is configured.
func Load(src SlotSource) *Registry {
	var descs []Descriptor
	for i := 1; i <= MaxSlots; i++ {
		s := src.Slot(i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		u, key := strings.TrimSpace(s.URL), strings.TrimSpace(s.Key)
		if u == "" || key == "" {
			slog.Warn("Model configuration incomplete, skipping", "slot", i, "name", name)
			continue
		}
		descs = append(descs, Descriptor{
			ID:      name,
			Name:    name,
			BaseURL: u,
			APIKey:  key,
			Enabled: true,
		})
		slog.Info("Loaded model", "slot", i, "name", name, "key", MaskKey(key))
	}

	if len(descs) == 0 {
		slog.Warn("No models configured in slots, trying built-in fallbacks")
		descs = fallbackDescriptors(src)
	}

	r := New(descs...)
	if len(r.models) == 0 {
		slog.Warn("Model registry is empty")
	} else {
		slog.Info("Model registry loaded", "count", len(r.models), "default", r.models[0].ID)
	}
	return r
}

type fallback struct {
	id, name, url, keyName string
}

var fallbacks = []fallback{
	{"glm-4.5v", "GLM-4.5V", "https://open.bigmodel.cn/api/paas/v4/chat/completions", "ZHIPU_API_KEY"},
	{"glm-4.5-air", "GLM-4.5-Air", "https://open.bigmodel.cn/api/paas/v4/chat/completions", "ZHIPU_API_KEY"},
	{"qwen3-max", "Qwen3-Max", "https://dashscope.aliyuncs.com/compatible-mode/v1", "QWEN_API_KEY"},
}

func fallbackDescriptors(src SlotSource) []Descriptor {
	var descs []Descriptor
	for _, f := range fallbacks {
		key := strings.TrimSpace(src.Lookup(f.keyName))
		if key == "" {
			continue
		}
		descs = append(descs, Descriptor{
			ID:      f.id,
			Name:    f.name,
			BaseURL: f.url,
			APIKey:  key,
			Enabled: true,
		})
	}
	return descs
}

// Default returns the first loaded descriptor.
func (r *Registry) Default() (Descriptor, bool) {
	if len(r.models) == 0 {
		return Descriptor{}, false
	}
	return r.models[0], true
}

// Get returns the descriptor with exactly the given ID.
func (r *Registry) Get(id string) (Descriptor, bool) {
	i, ok := r.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.models[i], true
}

// Len returns the number of descriptors.
func (r *Registry) Len() int { return len(r.models) }

// ListAvailable returns every descriptor in load order with its availability.
func (r *Registry) ListAvailable() []domain.ModelInfo {
	out := make([]domain.ModelInfo, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, domain.ModelInfo{ID: d.ID, Name: d.Name, Available: d.Available()})
	}
	return out
}

// FirstAvailable returns the first available descriptor whose ID is not in
// exclude.
func (r *Registry) FirstAvailable(exclude ...string) (Descriptor, bool) {
next:
	for _, d := range r.models {
		if !d.Available() {
			continue
		}
		for _, x := range exclude {
			if d.ID == x {
				continue next
			}
		}
		return d, true
	}
	return Descriptor{}, false
}
