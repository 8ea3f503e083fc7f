package bot

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ashureev/parcel-chat/internal/rules"
)

// DefaultEscalationKeywords trigger the escalation affordance when the rule
// table does not configure its own.
var DefaultEscalationKeywords = []string{"live agent", "human", "person", "representative", "real agent"}

// DefaultOrderIDLength is the length of the alphanumeric order reference.
const DefaultOrderIDLength = 20

// Matcher classifies free text. Both patterns are heuristics: any standalone
// alphanumeric run of the right length is taken as an order id.
type Matcher struct {
	escalation *regexp.Regexp
	orderID    *regexp.Regexp
}

// NewMatcher compiles the escalation and order-id patterns. Empty keywords
// fall back to DefaultEscalationKeywords, a non-positive length to
// DefaultOrderIDLength.
func NewMatcher(escalationKeywords []string, orderIDLength int) (*Matcher, error) {
	if len(escalationKeywords) == 0 {
		escalationKeywords = DefaultEscalationKeywords
	}
	if orderIDLength <= 0 {
		orderIDLength = DefaultOrderIDLength
	}

	alts := make([]string, 0, len(escalationKeywords))
	for _, kw := range escalationKeywords {
		words := strings.Fields(strings.ToLower(kw))
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `\s+`))
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("no usable escalation keywords")
	}

	escalation, err := regexp.Compile(`\b(?:` + strings.Join(alts, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("compile escalation pattern: %w", err)
	}
	orderID, err := regexp.Compile(fmt.Sprintf(`\b[A-Za-z0-9]{%d}\b`, orderIDLength))
	if err != nil {
		return nil, fmt.Errorf("compile order id pattern: %w", err)
	}
	return &Matcher{escalation: escalation, orderID: orderID}, nil
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IsEscalation reports whether text asks for a human.
func (m *Matcher) IsEscalation(text string) bool {
	return m.escalation.MatchString(normalize(text))
}

// OrderID returns the first order-id shaped token in text.
func (m *Matcher) OrderID(text string) (string, bool) {
	id := m.orderID.FindString(strings.TrimSpace(text))
	return id, id != ""
}

// MatchNode finds the option the text refers to. Sets are scanned starting
// with current, then the remaining sets in declaration order. An exact label
// match anywhere wins over a keyword match. A keyword matches when its words
// appear in order starting at a word boundary, so "track" matches "tracking"
// but "card" does not match "discard".
func (m *Matcher) MatchNode(table *rules.Table, current *rules.OptionSet, text string) *rules.OptionNode {
	norm := normalize(text)
	if norm == "" {
		return nil
	}

	sets := make([]*rules.OptionSet, 0, len(table.Sets())+1)
	if current != nil {
		sets = append(sets, current)
	}
	for _, s := range table.Sets() {
		if s != current {
			sets = append(sets, s)
		}
	}

	for _, s := range sets {
		for _, n := range s.Nodes {
			if normalize(n.Label) == norm {
				return n
			}
		}
	}
	words := " " + strings.Join(splitWords(norm), " ")
	for _, s := range sets {
		for _, n := range s.Nodes {
			for _, kw := range n.Keywords {
				kwWords := splitWords(kw)
				if len(kwWords) > 0 && strings.Contains(words, " "+strings.Join(kwWords, " ")) {
					return n
				}
			}
		}
	}
	return nil
}

// splitWords breaks lower-cased text into letter/digit runs.
func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
