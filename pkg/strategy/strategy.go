// Package strategy controls how aggressively the realtime model invokes tools.
//
// A Strategy maps to a protocol-level tool-choice directive and to a block of
// natural-language guidance appended to the system instructions. Only the
// none/required strategies change the directive; auto, conservative and
// aggressive differ in guidance alone.
package strategy

import (
	"errors"
	"fmt"
)

// Strategy is the tool-usage aggressiveness of a session.
type Strategy string

const (
	Auto         Strategy = "auto"
	Conservative Strategy = "conservative"
	Aggressive   Strategy = "aggressive"
	None         Strategy = "none"
	Required     Strategy = "required"
)

// Default is used when a client does not ask for anything.
const Default = Auto

// Tool-choice directives sent upstream.
const (
	ChoiceAuto   = "auto"
	ChoiceNever  = "never"
	ChoiceAlways = "always"
)

// ErrInvalidStrategy is returned for values outside the enumeration.
var ErrInvalidStrategy = errors.New("strategy: invalid strategy")

var all = []Strategy{Auto, Conservative, Aggressive, None, Required}

// All returns the accepted strategies in display order.
func All() []Strategy {
	out := make([]Strategy, len(all))
	copy(out, all)
	return out
}

// Parse validates s against the enumeration.
func Parse(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
	return st, nil
}

// Valid reports whether s is one of the five accepted values.
func (s Strategy) Valid() bool {
	switch s {
	case Auto, Conservative, Aggressive, None, Required:
		return true
	}
	return false
}

func (s Strategy) String() string {
	return string(s)
}

// ToolChoice returns the upstream tool-choice directive for s.
func ToolChoice(s Strategy) string {
	switch s {
	case None:
		return ChoiceNever
	case Required:
		return ChoiceAlways
	default:
		return ChoiceAuto
	}
}

var guidance = map[Strategy]string{
	Conservative: `

TOOL USAGE STRATEGY: Conservative
• Respond directly to greetings, casual conversation, and general questions
• Only use tools when specifically asked about products or services in the knowledge base
• Prioritize natural conversation flow over tool usage
• Use tools sparingly and only when necessary for accuracy
`,
	Aggressive: `

TOOL USAGE STRATEGY: Aggressive
• Proactively search the knowledge base for any related content
• Store any personal information users mention
• When uncertain, always search first rather than guessing
• Prioritize accuracy and comprehensiveness over response speed
• Use tools frequently to provide detailed, well-researched answers
`,
	None: `

TOOL USAGE STRATEGY: Direct Response Only
• Do not use any tools - respond directly to all queries
• Use your existing knowledge to answer questions
• Acknowledge when you might not have complete information
• Focus on natural, conversational responses
`,
	Required: `

TOOL USAGE STRATEGY: Always Use Tools
• Always search the knowledge base before responding to questions
• Always store any user information mentioned
• Provide comprehensive, tool-enhanced responses
• Never respond without first using available tools
`,
	Auto: `

TOOL USAGE STRATEGY: Balanced
• Use tools intelligently based on context
• Search the knowledge base for product-specific information when needed
• Store important user details when mentioned
• Balance natural conversation with accurate information
`,
}

// Guidance returns the instruction block for s, falling back to Auto.
func Guidance(s Strategy) string {
	if g, ok := guidance[s]; ok {
		return g
	}
	return guidance[Auto]
}

// EnhanceInstructions appends the guidance block for s to base.
func EnhanceInstructions(base string, s Strategy) string {
	return base + Guidance(s)
}
