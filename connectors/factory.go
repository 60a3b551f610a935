package connectors

import (
	"fmt"
	"sync"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

// Factory builds a connector from its persisted settings.
type Factory func(settings map[string]interface{}) (Connector, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[models.DocumentSource]Factory{}
)

// RegisterSource binds a source to its connector factory. Adapters register
// themselves from init; a duplicate registration panics since it is always
// a programming error.
func RegisterSource(source models.DocumentSource, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[source]; dup {
		panic(fmt.Sprintf("connector factory for source %q registered twice", source))
	}
	factories[source] = factory
}

// Instantiate builds the connector for source, applying its settings and
// credentials. A non-nil refreshed credential map is returned when the
// connector rotated its token during LoadCredentials; the caller persists
// it.
func Instantiate(source models.DocumentSource, settings, credentials map[string]interface{}) (Connector, map[string]interface{}, error) {
	factoriesMu.RLock()
	factory, ok := factories[source]
	factoriesMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no connector registered for source %q", source)
	}

	c, err := factory(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build %q connector: %w", source, err)
	}
	refreshed, err := c.LoadCredentials(credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load credentials for %q connector: %w", source, err)
	}
	return c, refreshed, nil
}

// intSetting reads a numeric setting. Settings round-trip through JSON, so
// numbers arrive as float64; values set in code stay int.
func intSetting(settings map[string]interface{}, key string, fallback int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatSetting(settings map[string]interface{}, key string, fallback float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func init() {
	RegisterSource(models.SourceMock, func(settings map[string]interface{}) (Connector, error) {
		batches := intSetting(settings, "num_batches", 0)
		perBatch := intSetting(settings, "docs_per_batch", 0)
		if batches <= 0 {
			batches = 1
		}
		if perBatch <= 0 {
			perBatch = 4
		}
		m := &MockConnector{}
		for i := 0; i < batches; i++ {
			m.Batches = append(m.Batches, MakeMockDocuments(fmt.Sprintf("mock-%d", i), perBatch))
		}
		return m, nil
	})
}
