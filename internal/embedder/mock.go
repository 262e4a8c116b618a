package embedder

import (
	"context"
	"sync"
)

// Mock is a deterministic embedder for tests. It hashes each text into a
// fixed-width vector, or serves explicit vectors registered per text.
type Mock struct {
	mu     sync.Mutex
	dims   int
	fixed  map[string][]float64
	Calls  int
	Errors []error // popped FIFO before embedding; nil entries succeed
}

// NewMock creates a mock embedder emitting dims-wide vectors.
func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = 4
	}
	return &Mock{dims: dims, fixed: make(map[string][]float64)}
}

// SetVector pins the embedding returned for an exact text.
func (m *Mock) SetVector(text string, vec []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vec
}

// FailNext queues an error for the next embedding call.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, err)
}

func (m *Mock) ModelID() string          { return "mock" }
func (m *Mock) Dimensions() int          { return m.dims }
func (m *Mock) SimilarityMetric() string { return "cosine" }

func (m *Mock) IngestEmbed(ctx context.Context, texts []string, maxAttempts int) ([][]float64, error) {
	return m.embed(texts, maxAttempts)
}

func (m *Mock) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float64, error) {
	return m.embed(queries, maxAttempts)
}

func (m *Mock) embed(texts []string, maxAttempts int) ([][]float64, error) {
	if err := validateAttempts(maxAttempts); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		if err != nil {
			return nil, err
		}
	}

	vecs := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := m.fixed[text]; ok {
			vecs[i] = v
			continue
		}
		vec := make([]float64, m.dims)
		var h uint64 = 14695981039346656037
		for _, b := range []byte(text) {
			h ^= uint64(b)
			h *= 1099511628211
		}
		for j := range vec {
			h ^= h << 13
			h ^= h >> 7
			h ^= h << 17
			vec[j] = float64(h%1000)/1000 + 0.001
		}
		vecs[i] = vec
	}
	return vecs, nil
}
