package knowledge

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const schemaVersion = 1

// corpusFile is the on-disk knowledge corpus:
//
//	version = 1
//
//	[[document]]
//	source = "pricing.md"
//	content = """..."""
type corpusFile struct {
	Version   int              `toml:"version"`
	Documents []corpusDocument `toml:"document"`
}

type corpusDocument struct {
	Source  string `toml:"source"`
	Content string `toml:"content"`
}

// toneFile is the on-disk tone library:
//
//	version = 1
//
//	[[snippet]]
//	style = "empathetic"
//	text = "Acknowledge the feeling before offering a fix."
type toneFile struct {
	Version  int           `toml:"version"`
	Snippets []toneSnippet `toml:"snippet"`
}

type toneSnippet struct {
	Style string `toml:"style"`
	Text  string `toml:"text"`
}

func checkVersion(path string, v int) error {
	if v != 0 && v != schemaVersion {
		return fmt.Errorf("knowledge: %s: unsupported version %d", path, v)
	}
	return nil
}

// LoadCorpus reads documents from a TOML corpus file. Blank documents are
// skipped.
func LoadCorpus(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read corpus: %w", err)
	}
	return ParseCorpus(path, data)
}

// ParseCorpus decodes corpus TOML; name is used in errors.
func ParseCorpus(name string, data []byte) ([]Document, error) {
	var file corpusFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("knowledge: decode corpus %s: %w", name, err)
	}
	if err := checkVersion(name, file.Version); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(file.Documents))
	for i, d := range file.Documents {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		source := d.Source
		if source == "" {
			source = fmt.Sprintf("%s#%d", name, i)
		}
		docs = append(docs, Document{Content: content, Source: source})
	}
	return docs, nil
}

func loadTone(path string) ([]entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read tone library: %w", err)
	}
	return parseTone(path, data)
}

func parseTone(name string, data []byte) ([]entry, error) {
	var file toneFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("knowledge: decode tone library %s: %w", name, err)
	}
	if err := checkVersion(name, file.Version); err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(file.Snippets))
	for _, s := range file.Snippets {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		entries = append(entries, entry{
			doc:   Document{Content: text, Source: "tone"},
			style: strings.ToLower(strings.TrimSpace(s.Style)),
		})
	}
	return entries, nil
}
