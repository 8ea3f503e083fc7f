// Package rules loads and validates the static conversational rule table:
// the greeting, the bot personality and the tree of option sets the
// responder walks.
package rules

import (
	"time"
)

// Action names a side effect an option triggers besides its canned response.
type Action string

const (
	// ActionNone is the default: reply with the canned response only.
	ActionNone Action = ""
	// ActionListOrders looks up the customer's recent orders.
	ActionListOrders Action = "list_orders"
)

// OptionNode is one selectable entry of an option set.
type OptionNode struct {
	ID       string
	Label    string
	Icon     string
	Keywords []string // lower-cased
	Response string
	NextKey  string
	// Next is the resolved NextKey. It is nil when the node has no sub
	// options or when NextKey did not resolve (Dangling).
	Next     *OptionSet
	Dangling bool
	Back     bool
	Escalate bool
	Action   Action

	set *OptionSet
}

// Set returns the option set the node belongs to.
func (n *OptionNode) Set() *OptionSet { return n.set }

// OptionSet is a named, ordered list of option nodes.
type OptionSet struct {
	Key   string
	Nodes []*OptionNode
}

// Node returns the node with the given id, or nil.
func (s *OptionSet) Node(id string) *OptionNode {
	if s == nil {
		return nil
	}
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Labels returns the node labels in order.
func (s *OptionSet) Labels() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n.Label)
	}
	return out
}

// Messages holds the canned texts used outside the option tree.
type Messages struct {
	EscalationOffer     string
	HandoffAnnouncement string
	OrderLookupError    string
	OrderNotFound       string
	OrdersEmpty         string
}

// DanglingRef records a sub-option reference that did not resolve.
type DanglingRef struct {
	SetKey  string
	NodeID  string
	Missing string
}

// Table is the immutable, resolved rule table. It is safe for concurrent use.
type Table struct {
	botName            string
	greeting           string
	initial            *OptionSet
	responseDelay      time.Duration
	messages           Messages
	escalationKeywords []string
	sets               []*OptionSet
	byKey              map[string]*OptionSet
	dangling           []DanglingRef
}

// BotName is the display name used for bot messages.
func (t *Table) BotName() string { return t.botName }

// Greeting returns the greeting text sent once per session.
func (t *Table) Greeting() string { return t.greeting }

// Initial returns the option set offered with the greeting.
func (t *Table) Initial() *OptionSet { return t.initial }

// ResponseDelay is the simulated typing latency before each bot message.
func (t *Table) ResponseDelay() time.Duration { return t.responseDelay }

// Messages returns the canned non-option texts.
func (t *Table) Messages() Messages { return t.messages }

// EscalationKeywords returns configured escalation trigger phrases, or nil
// when the default trigger applies.
func (t *Table) EscalationKeywords() []string { return t.escalationKeywords }

// Set returns the option set registered under key, or nil.
func (t *Table) Set(key string) *OptionSet { return t.byKey[key] }

// Sets returns all option sets in declaration order.
func (t *Table) Sets() []*OptionSet { return t.sets }

// Dangling lists sub-option references that were tolerated in lenient mode.
func (t *Table) Dangling() []DanglingRef { return t.dangling }

// NodeCount returns the number of option nodes across all sets.
func (t *Table) NodeCount() int {
	n := 0
	for _, s := range t.sets {
		n += len(s.Nodes)
	}
	return n
}
