package assembler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/teslashibe/voicebridge/pkg/knowledge"
	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

const (
	excerptHeader    = "Relevant Information from knowledge base:\n"
	excerptSeparator = "\n\n---\n\n"
)

// Fingerprint identifies an utterance for injection dedup.
func Fingerprint(text string) string {
	sum := md5.Sum([]byte(text + strconv.Itoa(len(text))))
	return hex.EncodeToString(sum[:])
}

// Injector tracks the last injected fingerprint of one session. It is not
// safe for concurrent use; the owning session loop is its only caller.
type Injector struct {
	a    *Assembler
	last string
}

// NewInjector returns an Injector for one session.
func (a *Assembler) NewInjector() *Injector {
	return &Injector{a: a}
}

// Last returns the most recent fingerprint seen.
func (in *Injector) Last() string {
	return in.last
}

// Inject decides whether text gets a knowledge-context turn. A repeat of the
// previous utterance is skipped. Otherwise the fingerprint is recorded, and
// unless s is strategy.None the top excerpts are retrieved; when any come
// back, event is a conversation.item.create system turn to send upstream
// ahead of the user's own turn.
func (in *Injector) Inject(ctx context.Context, text string, s strategy.Strategy) (event []byte, injected bool, err error) {
	fp := Fingerprint(text)
	if fp == in.last {
		in.a.logger.Debug("skipping duplicate injection", "fingerprint", fp)
		return nil, false, nil
	}
	in.last = fp

	if s == strategy.None {
		return nil, false, nil
	}

	docs, err := in.a.retriever.Retrieve(ctx, text, in.a.cfg.ResultCount)
	if err != nil {
		return nil, false, fmt.Errorf("assembler: retrieve: %w", err)
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	in.a.logger.Debug("injecting knowledge", "docs", len(docs), "strategy", s)
	return ExcerptEvent(docs), true, nil
}

// ExcerptEvent renders docs as a system conversation item.
func ExcerptEvent(docs []knowledge.Document) []byte {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	return protocol.SystemMessage(excerptHeader + strings.Join(texts, excerptSeparator))
}
