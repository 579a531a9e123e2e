package knowledge

import (
	"context"
	"strings"
)

// DefaultToneNotes is how many snippets a session is primed with.
const DefaultToneNotes = 3

// ToneLibrary ranks tone-guidance snippets against the conversation.
// Snippets tagged with a style only match that style; untagged snippets
// match every style.
type ToneLibrary struct {
	index *Index
}

func newToneLibrary(embedder Embedder, entries []entry, opts ...IndexOption) *ToneLibrary {
	return &ToneLibrary{index: newIndex("tone", embedder, entries, opts...)}
}

// LoadToneLibrary reads a TOML tone library from path.
func LoadToneLibrary(path string, embedder Embedder, opts ...IndexOption) (*ToneLibrary, error) {
	entries, err := loadTone(path)
	if err != nil {
		return nil, err
	}
	return newToneLibrary(embedder, entries, opts...), nil
}

// ParseToneLibrary decodes tone TOML without touching the filesystem.
func ParseToneLibrary(name string, data []byte, embedder Embedder, opts ...IndexOption) (*ToneLibrary, error) {
	entries, err := parseTone(name, data)
	if err != nil {
		return nil, err
	}
	return newToneLibrary(embedder, entries, opts...), nil
}

// Len returns the number of snippets.
func (t *ToneLibrary) Len() int {
	return t.index.Len()
}

// Build embeds the snippets ahead of the first query.
func (t *ToneLibrary) Build(ctx context.Context) error {
	return t.index.Build(ctx)
}

// Notes returns up to k snippets for style, ranked against text. Blank text
// ranks against the style name itself.
func (t *ToneLibrary) Notes(ctx context.Context, style, text string, k int) ([]string, error) {
	style = strings.ToLower(strings.TrimSpace(style))
	query := strings.TrimSpace(text)
	if query == "" {
		query = style
	}
	if query == "" {
		return nil, nil
	}

	docs, err := t.index.search(ctx, query, ClampK(k, DefaultToneNotes), func(e entry) bool {
		return e.style == "" || style == "" || e.style == style
	})
	if err != nil {
		return nil, err
	}

	notes := make([]string, len(docs))
	for i, d := range docs {
		notes[i] = d.Content
	}
	return notes, nil
}

var _ ToneSource = (*ToneLibrary)(nil)
