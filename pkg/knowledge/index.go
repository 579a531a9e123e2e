package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/teslashibe/voicebridge/pkg/inference"
)

// embedBatch is the number of texts sent per embeddings call.
const embedBatch = 64

type entry struct {
	doc    Document
	style  string
	vector []float64
}

// Index ranks a fixed set of entries against a query by cosine similarity.
// Entry vectors are computed lazily on first use.
type Index struct {
	name     string
	embedder Embedder
	model    string
	logger   *slog.Logger

	mu      sync.Mutex
	entries []entry
	built   bool
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithEmbedModel overrides the embedder's default model.
func WithEmbedModel(model string) IndexOption {
	return func(ix *Index) { ix.model = model }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

func newIndex(name string, embedder Embedder, entries []entry, opts ...IndexOption) *Index {
	ix := &Index{
		name:     name,
		embedder: embedder,
		entries:  entries,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With("component", "knowledge."+name)
	return ix
}

// NewIndex builds a corpus index over docs.
func NewIndex(embedder Embedder, docs []Document, opts ...IndexOption) *Index {
	entries := make([]entry, len(docs))
	for i, d := range docs {
		entries[i] = entry{doc: d}
	}
	return newIndex("index", embedder, entries, opts...)
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Build embeds every entry. It is called implicitly by Retrieve; calling it at
// startup moves the latency out of the first conversation turn.
func (ix *Index) Build(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.buildLocked(ctx)
}

func (ix *Index) buildLocked(ctx context.Context) error {
	if ix.built {
		return nil
	}

	for start := 0; start < len(ix.entries); start += embedBatch {
		end := min(start+embedBatch, len(ix.entries))

		texts := make([]string, 0, end-start)
		for _, e := range ix.entries[start:end] {
			texts = append(texts, e.doc.Content)
		}

		vectors, err := ix.embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("knowledge: embed %s entries %d-%d: %w", ix.name, start, end, err)
		}
		for i, v := range vectors {
			ix.entries[start+i].vector = v
		}
	}

	ix.built = true
	ix.logger.Info("index built", "entries", len(ix.entries))
	return nil
}

// Retrieve returns the k entries closest to query, best first.
func (ix *Index) Retrieve(ctx context.Context, query string, k int) ([]Document, error) {
	return ix.search(ctx, query, k, func(entry) bool { return true })
}

func (ix *Index) search(ctx context.Context, query string, k int, keep func(entry) bool) ([]Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	k = ClampK(k, MaxResults)

	ix.mu.Lock()
	if err := ix.buildLocked(ctx); err != nil {
		ix.mu.Unlock()
		return nil, err
	}
	entries := ix.entries
	ix.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}

	vectors, err := ix.embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	q := vectors[0]

	ranked := make([]Document, 0, len(entries))
	for _, e := range entries {
		if !keep(e) {
			continue
		}
		d := e.doc
		d.Score = Cosine(q, e.vector)
		ranked = append(ranked, d)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

func (ix *Index) embed(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := ix.embedder.Embed(ctx, &inference.EmbedRequest{Input: texts, Model: ix.model})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Retriever = (*Index)(nil)
