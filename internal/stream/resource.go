// Package stream turns the pipeline's incremental textual output into a
// client-visible incremental sequence. Large embedded payloads (base64 data
// URIs) are substituted with opaque resource ids before streaming and resolved
// back when a complete citation pattern has been seen.
package stream

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	dataURIPattern = regexp.MustCompile(`data:[^;,]+;base64,[A-Za-z0-9+/]+=*`)
	citingPattern  = regexp.MustCompile(`"([^"]+)"`)
)

// ResourceManager maps opaque resource ids to their original content for the
// lifetime of one run. The table is in-memory only and never persisted.
type ResourceManager struct {
	mu        sync.Mutex
	resources map[string]string
	order     []string
}

// NewResourceManager creates an empty resource table.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{resources: make(map[string]string)}
}

// EmbedResource replaces every base64 data URI in content with a freshly
// generated opaque id and records the id→original mapping.
func (m *ResourceManager) EmbedResource(content string) string {
	return dataURIPattern.ReplaceAllStringFunc(content, func(match string) string {
		id := uuid.NewString()
		m.mu.Lock()
		m.resources[id] = match
		m.order = append(m.order, id)
		m.mu.Unlock()
		return id
	})
}

// ExtractResource returns the known ids cited in quotes within content, in
// first-seen order, followed by any known id that appears unquoted.
func (m *ResourceManager) ExtractResource(content string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []string
	seen := make(map[string]bool)

	for _, g := range citingPattern.FindAllStringSubmatch(content, -1) {
		id := g[1]
		if !seen[id] && m.resources[id] != "" {
			seen[id] = true
			results = append(results, id)
		}
	}

	for _, id := range m.order {
		if !seen[id] && strings.Contains(content, id) {
			seen[id] = true
			results = append(results, id)
		}
	}

	return results
}

// GetResourceByID returns the original content for an id, or empty string.
func (m *ResourceManager) GetResourceByID(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[id]
}

// RevealResource resolves quoted resource ids in content back to their
// original form. Unknown quoted strings are left untouched.
func (m *ResourceManager) RevealResource(content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return citingPattern.ReplaceAllStringFunc(content, func(match string) string {
		id := match[1 : len(match)-1]
		if original, ok := m.resources[id]; ok {
			return `"` + original + `"`
		}
		return match
	})
}
