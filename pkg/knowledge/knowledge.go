// Package knowledge retrieves knowledge-base excerpts and tone-guidance
// snippets for a user utterance.
//
// Both the corpus and the tone library are TOML files whose entries are
// embedded once through an OpenAI-compatible embeddings endpoint and ranked by
// cosine similarity at query time.
package knowledge

import (
	"context"
	"errors"

	"github.com/teslashibe/voicebridge/pkg/inference"
)

// MaxResults caps every retrieval.
const MaxResults = 10

// ErrEmptyQuery is returned when a retrieval is asked for blank text.
var ErrEmptyQuery = errors.New("knowledge: empty query")

// Document is one retrieved excerpt.
type Document struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"relevance_score"`
}

// Retriever returns up to k documents relevant to query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Document, error)
}

// ToneSource returns tone-guidance snippets for a style.
type ToneSource interface {
	Notes(ctx context.Context, style, text string, k int) ([]string, error)
}

// Embedder is the slice of inference.Provider this package needs.
type Embedder interface {
	Embed(ctx context.Context, req *inference.EmbedRequest) (*inference.EmbedResponse, error)
}

// Empty is a Retriever and ToneSource with no content. It is used when no
// corpus is configured.
type Empty struct{}

// Retrieve returns nothing.
func (Empty) Retrieve(context.Context, string, int) ([]Document, error) { return nil, nil }

// Notes returns nothing.
func (Empty) Notes(context.Context, string, string, int) ([]string, error) { return nil, nil }

// ClampK bounds k to [1, MaxResults], using def when k is not positive.
func ClampK(k, def int) int {
	if k <= 0 {
		k = def
	}
	if k <= 0 {
		k = 1
	}
	if k > MaxResults {
		k = MaxResults
	}
	return k
}

var (
	_ Retriever  = Empty{}
	_ ToneSource = Empty{}
)
