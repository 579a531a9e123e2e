package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/internal/log"
	"github.com/teslashibe/voicebridge/pkg/inference"
)

// keywordEmbedder maps text onto one axis per keyword, so similarity is
// predictable without a model.
func keywordEmbedder(keywords ...string) *inference.Stub {
	m := &inference.Stub{}
	m.EmbedFunc = func(ctx context.Context, req *inference.EmbedRequest) (*inference.EmbedResponse, error) {
		out := make([][]float64, len(req.Input))
		for i, text := range req.Input {
			v := make([]float64, len(keywords)+1)
			lower := strings.ToLower(text)
			for j, kw := range keywords {
				v[j] = float64(strings.Count(lower, kw))
			}
			v[len(keywords)] = 0.1
			out[i] = v
		}
		return &inference.EmbedResponse{Embeddings: out}, nil
	}
	return m
}

const corpusTOML = `
version = 1

[[document]]
source = "pricing.md"
content = "Our price is 10 dollars per month. The price includes support."

[[document]]
source = "refunds.md"
content = "Refund requests are handled within 14 days."

[[document]]
content = "   "

[[document]]
content = "Hello and welcome."
`

func TestParseCorpus(t *testing.T) {
	docs, err := ParseCorpus("corpus.toml", []byte(corpusTOML))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "pricing.md", docs[0].Source)
	assert.Equal(t, "corpus.toml#3", docs[2].Source)
}

func TestParseCorpusRejectsUnknownVersion(t *testing.T) {
	_, err := ParseCorpus("corpus.toml", []byte("version = 7\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version 7")
}

func TestLoadCorpusFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.toml")
	require.NoError(t, os.WriteFile(path, []byte(corpusTOML), 0o600))

	docs, err := LoadCorpus(path)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	_, err = LoadCorpus(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestIndexRetrieve(t *testing.T) {
	docs, err := ParseCorpus("corpus.toml", []byte(corpusTOML))
	require.NoError(t, err)

	embedder := keywordEmbedder("price", "refund", "hello")
	ix := NewIndex(embedder, docs, WithLogger(log.Discard()))

	got, err := ix.Retrieve(context.Background(), "what is the price?", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pricing.md", got[0].Source)
	assert.Greater(t, got[0].Score, got[1].Score)

	got, err = ix.Retrieve(context.Background(), "I want a refund", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "refunds.md", got[0].Source)

	// Corpus embedded once, plus one call per query.
	assert.Equal(t, 3, embedder.Embeds())
}

func TestIndexRetrieveErrors(t *testing.T) {
	ix := NewIndex(&inference.Stub{Err: errors.New("offline")}, []Document{{Content: "x"}})

	_, err := ix.Retrieve(context.Background(), "  ", 3)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = ix.Retrieve(context.Background(), "anything", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
}

func TestIndexEmpty(t *testing.T) {
	ix := NewIndex(keywordEmbedder("a"), nil)
	got, err := ix.Retrieve(context.Background(), "query", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

const toneTOML = `
[[snippet]]
style = "empathetic"
text = "Acknowledge how the caller feels about the price."

[[snippet]]
style = "empathetic"
text = "Say hello warmly."

[[snippet]]
style = "direct"
text = "State the price plainly."

[[snippet]]
text = "Keep answers short when the caller sounds hurried."
`

func TestToneLibraryNotes(t *testing.T) {
	lib, err := ParseToneLibrary("tone.toml", []byte(toneTOML), keywordEmbedder("price", "hello", "short"))
	require.NoError(t, err)
	assert.Equal(t, 4, lib.Len())

	notes, err := lib.Notes(context.Background(), "Empathetic", "the price seems high", DefaultToneNotes)
	require.NoError(t, err)
	require.Len(t, notes, 3)
	assert.Equal(t, "Acknowledge how the caller feels about the price.", notes[0])
	assert.NotContains(t, notes, "State the price plainly.")
}

func TestToneLibraryBlankInput(t *testing.T) {
	lib, err := ParseToneLibrary("tone.toml", []byte(toneTOML), keywordEmbedder("price"))
	require.NoError(t, err)

	notes, err := lib.Notes(context.Background(), "", "", 3)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestClampK(t *testing.T) {
	tests := []struct {
		k, def, want int
	}{
		{0, 5, 5},
		{3, 5, 3},
		{50, 5, MaxResults},
		{-1, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampK(tt.k, tt.def), "ClampK(%d, %d)", tt.k, tt.def)
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float64{1}, []float64{1, 2}))
	assert.Zero(t, Cosine([]float64{0, 0}, []float64{1, 2}))
}
