package voiceprint

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Manager is the in-memory embedding index consulted at identification time.
// It holds every registered embedding keyed by speaker name and answers
// cosine-similarity searches. It mirrors the search API of the embedding
// runtime it fronts: Search returns only the best name above the threshold,
// not the score.
type Manager struct {
	dim int

	mu       sync.RWMutex
	speakers map[string][][]float32
}

// NewManager builds an index for embeddings of the given dimension.
func NewManager(dim int) *Manager {
	return &Manager{dim: dim, speakers: map[string][][]float32{}}
}

// Dim returns the embedding dimension the manager accepts.
func (m *Manager) Dim() int { return m.dim }

// Add registers an embedding under name. Dimension mismatches are refused.
func (m *Manager) Add(name string, embedding []float32) error {
	if len(embedding) != m.dim {
		return fmt.Errorf("embedding dim %d does not match manager dim %d", len(embedding), m.dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speakers[name] = append(m.speakers[name], append([]float32(nil), embedding...))
	return nil
}

// Remove drops every embedding registered under name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.speakers[name]; !ok {
		return false
	}
	delete(m.speakers, name)
	return true
}

// NumSpeakers returns the number of distinct registered names.
func (m *Manager) NumSpeakers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.speakers)
}

// Names returns the registered names sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.speakers))
	for name := range m.speakers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Search returns the name whose best embedding exceeds threshold, or "".
func (m *Manager) Search(embedding []float32, threshold float32) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bestName := ""
	var bestScore float32 = -1
	for name, embs := range m.speakers {
		for _, e := range embs {
			if score := Cosine(embedding, e); score > bestScore {
				bestScore = score
				bestName = name
			}
		}
	}
	if bestScore >= threshold {
		return bestName
	}
	return ""
}

// Verify reports whether any of name's embeddings exceeds threshold.
func (m *Manager) Verify(name string, embedding []float32, threshold float32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.speakers[name] {
		if Cosine(embedding, e) >= threshold {
			return true
		}
	}
	return false
}

// Cosine computes cosine similarity; mismatched or zero vectors score 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
