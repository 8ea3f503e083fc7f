// Package bot implements the rule-driven responder. The Responder is a pure
// reducer: it folds events into a State and returns the effects the caller
// must perform, in order. It never performs I/O itself.
package bot

import (
	"strings"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/rules"
)

// State is the per-conversation responder state.
type State struct {
	Current *rules.OptionSet
	History []*rules.OptionSet

	HasGreeted         bool
	HasRespondedToTurn bool

	// TurnID is the id of the latest customer message observed.
	TurnID string
	// TurnText is that message's text, mirrored into the trainer log.
	TurnText string

	AgentConnected bool
	// PendingLookup is the turn whose order lookup is in flight.
	PendingLookup string
	// pendingTap is an explicitly selected option whose echo message has
	// not been observed yet.
	pendingTap *rules.OptionNode
	primed     bool
}

// Event is an input to the responder.
type Event interface{ event() }

// MessagesChanged carries a new snapshot of the conversation log.
type MessagesChanged struct {
	Messages []domain.Message
}

// OptionSelected is an explicit tap on an option of the current set.
type OptionSelected struct {
	NodeID string
}

// BackPressed is an explicit tap on "back".
type BackPressed struct{}

// OrderLookupCompleted delivers the result of a LookupOrder or ListOrders
// effect.
type OrderLookupCompleted struct {
	TurnID  string
	OrderID string
	Order   *domain.Order
	// List is set for ListOrders results, which carry Orders and Prefix.
	List    bool
	Orders  []domain.Order
	Prefix  string
	RuleKey string
	Err     error
}

// AgentGate reports whether a live agent is connected.
type AgentGate struct {
	Connected bool
}

// Reset starts the conversation over.
type Reset struct{}

func (MessagesChanged) event()      {}
func (OptionSelected) event()       {}
func (BackPressed) event()          {}
func (OrderLookupCompleted) event() {}
func (AgentGate) event()            {}
func (Reset) event()                {}

// Effect is an action the caller performs on behalf of the responder.
type Effect interface{ effect() }

// Send appends a bot message after Delay. When UserMessage is set the pair is
// mirrored into the trainer log under RuleKey.
type Send struct {
	Text        string
	Delay       time.Duration
	RuleKey     string
	UserMessage string
}

// LookupOrder asks the order collaborator for one order.
type LookupOrder struct {
	TurnID  string
	OrderID string
}

// ListOrders asks the order collaborator for the customer's recent orders.
type ListOrders struct {
	TurnID  string
	Prefix  string
	RuleKey string
}

// OfferEscalation surfaces the "talk to a human" affordance.
type OfferEscalation struct {
	Reason string
}

// ShowOptions replaces the options presented to the customer. A nil Set
// clears them.
type ShowOptions struct {
	Set *rules.OptionSet
}

// AppendUserMessage writes the customer's message, used to echo taps.
type AppendUserMessage struct {
	Text string
}

func (Send) effect()              {}
func (LookupOrder) effect()       {}
func (ListOrders) effect()        {}
func (OfferEscalation) effect()   {}
func (ShowOptions) effect()       {}
func (AppendUserMessage) effect() {}

// Escalation offer reasons.
const (
	ReasonKeyword        = "keyword"
	ReasonEscalateOption = "escalate_option"
	ReasonNoOptions      = "no_options"
)

// Responder decides the bot's reaction to conversation events.
type Responder struct {
	table   *rules.Table
	matcher *Matcher
	userID  string
}

// NewResponder creates a responder for the customer userID.
func NewResponder(table *rules.Table, matcher *Matcher, userID string) *Responder {
	return &Responder{table: table, matcher: matcher, userID: userID}
}

// Handle folds ev into s.
func (r *Responder) Handle(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case MessagesChanged:
		return r.onMessages(s, ev.Messages)
	case OptionSelected:
		return r.onSelect(s, ev.NodeID)
	case BackPressed:
		return r.back(s)
	case OrderLookupCompleted:
		return r.onLookup(s, ev)
	case AgentGate:
		s.AgentConnected = ev.Connected
		if ev.Connected {
			s.PendingLookup = ""
		}
		return s, nil
	case Reset:
		return r.reset(s)
	default:
		return s, nil
	}
}

func (r *Responder) onMessages(s State, msgs []domain.Message) (State, []Effect) {
	latest, ok := domain.LatestFrom(msgs, r.userID)

	// The first snapshot only establishes what has already been handled.
	if !s.primed {
		s.primed = true
		if ok {
			s.TurnID = latest.ID
			s.TurnText = latest.Text
			s.HasRespondedToTurn = true
		}
		return s, nil
	}
	if !ok || latest.ID == s.TurnID {
		return s, nil
	}

	s.TurnID = latest.ID
	s.TurnText = latest.Text
	s.HasRespondedToTurn = false
	s.PendingLookup = ""
	tapped := s.takePendingTap(latest.Text)

	if s.AgentConnected {
		s.HasRespondedToTurn = true
		return s, nil
	}

	var effects []Effect
	if !s.HasGreeted {
		s, effects = r.greet(s)
	}

	s, more := r.decide(s, latest.Text, tapped)
	return s, append(effects, more...)
}

func (s *State) takePendingTap(text string) *rules.OptionNode {
	node := s.pendingTap
	s.pendingTap = nil
	if node == nil || !strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(node.Label)) {
		return nil
	}
	return node
}

func (r *Responder) greet(s State) (State, []Effect) {
	s.HasGreeted = true
	s.Current = r.table.Initial()
	s.History = nil
	return s, []Effect{
		Send{Text: r.table.Greeting(), Delay: r.table.ResponseDelay(), RuleKey: s.Current.Key},
		ShowOptions{Set: s.Current},
	}
}

func (r *Responder) decide(s State, text string, tapped *rules.OptionNode) (State, []Effect) {
	if s.HasRespondedToTurn {
		return s, nil
	}
	if tapped != nil {
		return r.selectNode(s, tapped)
	}

	if r.matcher.IsEscalation(text) {
		s.HasRespondedToTurn = true
		return s, r.offer(s, ReasonKeyword)
	}
	if id, ok := r.matcher.OrderID(text); ok {
		s.HasRespondedToTurn = true
		s.PendingLookup = s.TurnID
		return s, []Effect{LookupOrder{TurnID: s.TurnID, OrderID: id}}
	}
	if node := r.matcher.MatchNode(r.table, s.Current, text); node != nil {
		return r.selectNode(s, node)
	}

	// Nothing matched: no reply.
	s.HasRespondedToTurn = true
	return s, nil
}

func (r *Responder) offer(s State, reason string) []Effect {
	if s.AgentConnected {
		return nil
	}
	return []Effect{OfferEscalation{Reason: reason}}
}

func (r *Responder) selectNode(s State, node *rules.OptionNode) (State, []Effect) {
	if node.Back {
		s.HasRespondedToTurn = true
		return r.back(s)
	}
	if s.HasRespondedToTurn {
		return s, nil
	}
	s.HasRespondedToTurn = true

	ruleKey := node.Set().Key
	if s.Current != nil {
		s.History = append(cloneHistory(s.History), s.Current)
	}
	s.Current = node.Next

	var effects []Effect
	if node.Action == rules.ActionListOrders {
		s.PendingLookup = s.TurnID
		effects = append(effects, ListOrders{TurnID: s.TurnID, Prefix: node.Response, RuleKey: ruleKey})
	} else if node.Response != "" {
		effects = append(effects, Send{
			Text:        node.Response,
			Delay:       r.table.ResponseDelay(),
			RuleKey:     ruleKey,
			UserMessage: s.TurnText,
		})
	}
	effects = append(effects, ShowOptions{Set: s.Current})

	switch {
	case node.Escalate:
		effects = append(effects, r.offer(s, ReasonEscalateOption)...)
	case s.Current == nil:
		effects = append(effects, r.offer(s, ReasonNoOptions)...)
	}
	return s, effects
}

func (r *Responder) onSelect(s State, nodeID string) (State, []Effect) {
	node := s.Current.Node(nodeID)
	if node == nil {
		return s, nil
	}
	if node.Back {
		return r.back(s)
	}
	s.pendingTap = node
	return s, []Effect{AppendUserMessage{Text: node.Label}}
}

// back pops the option history. An empty history yields the initial set.
func (r *Responder) back(s State) (State, []Effect) {
	if n := len(s.History); n > 0 {
		s.Current = s.History[n-1]
		s.History = cloneHistory(s.History[:n-1])
	} else {
		s.Current = r.table.Initial()
		s.History = nil
	}
	return s, []Effect{ShowOptions{Set: s.Current}}
}

func (r *Responder) onLookup(s State, ev OrderLookupCompleted) (State, []Effect) {
	if s.AgentConnected || ev.TurnID == "" || ev.TurnID != s.PendingLookup {
		return s, nil
	}
	s.PendingLookup = ""

	msgs := r.table.Messages()
	var text, ruleKey string
	if ev.List {
		text = OrdersListReply(msgs, ev.Prefix, ev.Orders, ev.Err)
		ruleKey = ev.RuleKey
	} else {
		text = OrderReply(msgs, ev.OrderID, ev.Order, ev.Err)
		if s.Current != nil {
			ruleKey = s.Current.Key
		}
	}
	return s, []Effect{Send{
		Text:        text,
		Delay:       r.table.ResponseDelay(),
		RuleKey:     ruleKey,
		UserMessage: s.TurnText,
	}}
}

// reset clears every latch and the option stack. The turn already observed
// stays consumed so only a new customer message greets again.
func (r *Responder) reset(s State) (State, []Effect) {
	next := State{
		TurnID:             s.TurnID,
		TurnText:           s.TurnText,
		HasRespondedToTurn: true,
		AgentConnected:     s.AgentConnected,
		primed:             s.primed,
	}
	return next, []Effect{ShowOptions{Set: nil}}
}

func cloneHistory(h []*rules.OptionSet) []*rules.OptionSet {
	if len(h) == 0 {
		return nil
	}
	out := make([]*rules.OptionSet, len(h))
	copy(out, h)
	return out
}
