// Package session runs one actor per conversation. The actor owns the bot
// responder state and the handoff coordinator, consumes the message and
// agent-status subscriptions, and executes the effects the responder asks
// for one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/parcel-chat/internal/bot"
	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/handoff"
	"github.com/ashureev/parcel-chat/internal/orders"
	"github.com/ashureev/parcel-chat/internal/realtime"
	"github.com/ashureev/parcel-chat/internal/rules"
)

// ErrStopped is returned by commands sent to a conversation that has ended.
var ErrStopped = errors.New("conversation stopped")

// Channels is the realtime surface a conversation consumes.
type Channels interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan []domain.Message, func(), error)
	Append(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error)
	SubscribeStatus(ctx context.Context, conversationID string) (<-chan realtime.StatusUpdate, func(), error)
	SetStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error
}

// TrainerLog receives (user message, bot response) pairs. Append must not
// block.
type TrainerLog interface {
	Append(ctx context.Context, conversationID, ruleKey string, rec domain.TrainerRecord) error
}

// Deps are the collaborators shared by all conversations.
type Deps struct {
	Channels Channels
	Orders   orders.Query
	Trainer  TrainerLog
	Table    *rules.Table
	Matcher  *bot.Matcher
	Logger   *slog.Logger
}

type commandKind int

const (
	cmdSelect commandKind = iota
	cmdBack
	cmdReset
	cmdEscalate
	cmdEnd
	cmdPing
)

type commandResult struct {
	requested bool
	err       error
}

type command struct {
	kind   commandKind
	nodeID string
	reply  chan commandResult
}

const listenerBuffer = 32

// Conversation is the actor for one customer conversation.
type Conversation struct {
	id        string
	userID    string
	deps      Deps
	logger    *slog.Logger
	responder *bot.Responder
	coord     *handoff.Coordinator
	now       func() time.Time

	// Owned by the Run goroutine.
	state      bot.State
	statusCh   <-chan realtime.StatusUpdate
	statusSeen bool

	cmds    chan command
	lookups chan bot.OrderLookupCompleted
	ready   chan struct{}
	done    chan struct{}
	runErr  error
	active  atomic.Bool
	wg      sync.WaitGroup

	mu           sync.Mutex
	view         View
	userName     string
	lastActive   time.Time
	listeners    map[int64]chan Event
	nextListener int64
	stopped      bool
	// retiring is set by the idle reaper; sends are refused from then on.
	retiring bool
	sending  int
}

// NewConversation creates a conversation actor. The conversation id is the
// customer's user id. Call Run to start it.
func NewConversation(userID string, deps Deps) *Conversation {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", userID)
	c := &Conversation{
		id:        userID,
		userID:    userID,
		deps:      deps,
		logger:    logger,
		responder: bot.NewResponder(deps.Table, deps.Matcher, userID),
		coord:     handoff.NewCoordinator(userID, deps.Channels, deps.Channels, deps.Table.Messages().HandoffAnnouncement, logger),
		now:       time.Now,
		cmds:      make(chan command),
		lookups:   make(chan bot.OrderLookupCompleted),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		userName:  "Customer",
		listeners: make(map[int64]chan Event),
	}
	c.view = View{ConversationID: userID}
	c.lastActive = c.now()
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Done is closed when Run has returned.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// Run processes events until ctx is cancelled or the subscriptions end.
// Pending delays are abandoned and in-flight order lookups are discarded.
func (c *Conversation) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.active.Store(false)
		cancel()
		c.wg.Wait()
		c.closeListeners()
		c.runErr = err
		close(c.done)
	}()

	msgs, cancelMsgs, err := c.deps.Channels.Subscribe(ctx, c.id)
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	defer cancelMsgs()

	statuses, cancelStatus, err := c.deps.Channels.SubscribeStatus(ctx, c.id)
	if err != nil {
		return fmt.Errorf("subscribe agent status: %w", err)
	}
	defer cancelStatus()
	c.statusCh = statuses

	c.active.Store(true)
	c.logger.Debug("Conversation started")
	defer c.logger.Debug("Conversation stopped")

	var gotMessages bool
	markReady := func() {
		if gotMessages && c.statusSeen {
			select {
			case <-c.ready:
			default:
				close(c.ready)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case snapshot, ok := <-msgs:
			if !ok {
				return nil
			}
			c.touch()
			c.publish(Event{Type: EventSnapshot, Messages: snapshot})
			c.dispatch(ctx, bot.MessagesChanged{Messages: snapshot})
			gotMessages = true
			markReady()

		case update, ok := <-c.statusCh:
			if !ok {
				return nil
			}
			c.onStatus(update)
			markReady()

		case cmd := <-c.cmds:
			c.touch()
			cmd.reply <- c.handleCommand(ctx, cmd)

		case res := <-c.lookups:
			c.dispatch(ctx, res)
		}
	}
}

// waitReady blocks until the initial snapshots have been processed.
func (c *Conversation) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if c.runErr != nil {
			return c.runErr
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conversation) dispatch(ctx context.Context, ev bot.Event) {
	var effects []bot.Effect
	c.state, effects = c.responder.Handle(c.state, ev)
	c.execute(ctx, effects)
	c.refreshView()
}

func (c *Conversation) execute(ctx context.Context, effects []bot.Effect) {
	for _, e := range effects {
		if !c.active.Load() || ctx.Err() != nil {
			return
		}
		switch e := e.(type) {
		case bot.Send:
			c.send(ctx, e)
		case bot.LookupOrder:
			c.lookupOrder(ctx, e)
		case bot.ListOrders:
			c.listOrders(ctx, e)
		case bot.OfferEscalation:
			c.offerEscalation(e)
		case bot.ShowOptions:
			view := NewOptionsView(e.Set)
			c.mu.Lock()
			c.view.Options = view
			c.mu.Unlock()
			c.publish(Event{Type: EventOptions, Options: view})
		case bot.AppendUserMessage:
			if _, err := c.deps.Channels.Append(ctx, c.id, c.userMessage(e.Text)); err != nil {
				c.logger.Warn("Failed to append option echo", "error", err)
			}
		}
	}
}

func (c *Conversation) send(ctx context.Context, e bot.Send) {
	if e.Delay > 0 {
		c.publish(Event{Type: EventTyping})
		if !c.sleep(ctx, e.Delay) {
			return
		}
	}
	// The agent may have connected while we were typing.
	if !c.active.Load() || c.coord.Indicators().SuppressBot {
		return
	}

	msg, err := c.deps.Channels.Append(ctx, c.id, domain.NewMessage{
		Text:       e.Text,
		SenderID:   domain.BotSenderID,
		SenderName: c.deps.Table.BotName(),
		Kind:       domain.KindBot,
	})
	if err != nil {
		c.logger.Warn("Failed to append bot reply", "option_set", e.RuleKey, "error", err)
		return
	}
	c.logger.Debug("Bot replied", "message_id", msg.ID, "option_set", e.RuleKey)

	if e.UserMessage != "" && c.deps.Trainer != nil {
		_ = c.deps.Trainer.Append(ctx, c.id, e.RuleKey, domain.TrainerRecord{
			UserMessage: e.UserMessage,
			BotResponse: e.Text,
			Timestamp:   msg.Timestamp,
		})
	}
}

// sleep waits d while still observing agent-status changes. It returns
// false when the conversation stopped during the wait.
func (c *Conversation) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return c.active.Load()
		case update, ok := <-c.statusCh:
			if !ok {
				c.statusCh = nil
				return false
			}
			c.onStatus(update)
		}
	}
}

func (c *Conversation) lookupOrder(ctx context.Context, e bot.LookupOrder) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := bot.OrderLookupCompleted{TurnID: e.TurnID, OrderID: e.OrderID}
		if c.deps.Orders == nil {
			res.Err = errors.New("order lookup unavailable")
		} else {
			res.Order, res.Err = c.deps.Orders.FindByID(ctx, c.userID, e.OrderID)
		}
		if res.Err != nil && ctx.Err() == nil {
			c.logger.Warn("Order lookup failed", "order_id", e.OrderID, "error", res.Err)
		}
		c.deliverLookup(ctx, res)
	}()
}

func (c *Conversation) listOrders(ctx context.Context, e bot.ListOrders) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := bot.OrderLookupCompleted{TurnID: e.TurnID, List: true, Prefix: e.Prefix, RuleKey: e.RuleKey}
		if c.deps.Orders == nil {
			res.Err = errors.New("order lookup unavailable")
		} else {
			res.Orders, res.Err = c.deps.Orders.FindByUser(ctx, c.userID)
		}
		if res.Err != nil && ctx.Err() == nil {
			c.logger.Warn("Order list failed", "error", res.Err)
		}
		c.deliverLookup(ctx, res)
	}()
}

// deliverLookup hands a result back to the actor; results arriving after
// teardown are dropped.
func (c *Conversation) deliverLookup(ctx context.Context, res bot.OrderLookupCompleted) {
	select {
	case c.lookups <- res:
	case <-ctx.Done():
	}
}

func (c *Conversation) offerEscalation(e bot.OfferEscalation) {
	if c.coord.Indicators().SuppressEscalationOffer {
		return
	}
	c.mu.Lock()
	c.view.EscalationOffered = true
	c.mu.Unlock()
	c.logger.Debug("Offering escalation", "reason", e.Reason)
	c.publish(Event{Type: EventEscalationOffer, Offer: c.deps.Table.Messages().EscalationOffer})
}

func (c *Conversation) onStatus(update realtime.StatusUpdate) {
	c.statusSeen = true
	var (
		ind     handoff.Indicators
		changed bool
	)
	if update.Err != nil {
		ind, changed = c.coord.ObserveError(update.Err)
	} else {
		ind, changed = c.coord.Observe(update.Status)
	}
	c.state, _ = c.responder.Handle(c.state, bot.AgentGate{Connected: ind.Connected})
	if !changed {
		return
	}
	c.mu.Lock()
	c.view.Agent = ind
	if ind.SuppressEscalationOffer {
		c.view.EscalationOffered = false
	}
	c.mu.Unlock()
	c.publish(Event{Type: EventAgentStatus, Agent: &ind})
}

func (c *Conversation) handleCommand(ctx context.Context, cmd command) commandResult {
	switch cmd.kind {
	case cmdSelect:
		c.dispatch(ctx, bot.OptionSelected{NodeID: cmd.nodeID})
	case cmdBack:
		c.dispatch(ctx, bot.BackPressed{})
	case cmdReset:
		c.reset(ctx)
	case cmdEscalate:
		requested, err := c.coord.RequestEscalation(ctx)
		c.publishIndicators()
		if err != nil {
			c.logger.Warn("Escalation request failed", "error", err)
		}
		return commandResult{requested: requested, err: err}
	case cmdEnd:
		err := c.coord.End(ctx)
		if err != nil {
			c.logger.Warn("Failed to end handoff", "error", err)
		}
		c.state, _ = c.responder.Handle(c.state, bot.AgentGate{Connected: false})
		c.publishIndicators()
		c.reset(ctx)
		return commandResult{err: err}
	}
	return commandResult{}
}

func (c *Conversation) reset(ctx context.Context) {
	c.dispatch(ctx, bot.Reset{})
	c.mu.Lock()
	c.view.EscalationOffered = false
	c.mu.Unlock()
	c.publish(Event{Type: EventReset})
}

func (c *Conversation) publishIndicators() {
	ind := c.coord.Indicators()
	c.mu.Lock()
	c.view.Agent = ind
	if ind.SuppressEscalationOffer {
		c.view.EscalationOffered = false
	}
	c.mu.Unlock()
	c.publish(Event{Type: EventAgentStatus, Agent: &ind})
}

func (c *Conversation) refreshView() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Greeted = c.state.HasGreeted
	c.view.HistoryDepth = len(c.state.History)
	c.view.Options = NewOptionsView(c.state.Current)
}

func (c *Conversation) userMessage(text string) domain.NewMessage {
	c.mu.Lock()
	name := c.userName
	c.mu.Unlock()
	return domain.NewMessage{Text: text, SenderID: c.userID, SenderName: name, Kind: domain.KindUser}
}

// SendMessage appends a customer message. The bot reacts when the log
// delivers it back through the subscription. It returns ErrStopped once the
// conversation is retired or stopped, so the caller can fetch a fresh one.
func (c *Conversation) SendMessage(ctx context.Context, text, senderName string) (domain.Message, error) {
	c.mu.Lock()
	if c.stopped || c.retiring {
		c.mu.Unlock()
		return domain.Message{}, ErrStopped
	}
	if senderName != "" {
		c.userName = senderName
	}
	name := c.userName
	c.sending++
	c.lastActive = c.now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending--
		c.lastActive = c.now()
		c.mu.Unlock()
	}()
	return c.deps.Channels.Append(ctx, c.id, domain.NewMessage{
		Text: text, SenderID: c.userID, SenderName: name, Kind: domain.KindUser,
	})
}

func (c *Conversation) do(ctx context.Context, cmd command) commandResult {
	cmd.reply = make(chan commandResult, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return commandResult{err: ErrStopped}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-c.done:
		return commandResult{err: ErrStopped}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
}

// Select taps an option of the current set.
func (c *Conversation) Select(ctx context.Context, nodeID string) error {
	return c.do(ctx, command{kind: cmdSelect, nodeID: nodeID}).err
}

// Back returns to the previous option set.
func (c *Conversation) Back(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdBack}).err
}

// Reset starts the conversation over; the next customer message greets
// again.
func (c *Conversation) Reset(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdReset}).err
}

// Escalate asks for a live agent. It reports false when a handoff was
// already waiting or connected.
func (c *Conversation) Escalate(ctx context.Context) (bool, error) {
	res := c.do(ctx, command{kind: cmdEscalate})
	return res.requested, res.err
}

// End closes any handoff and resets the conversation.
func (c *Conversation) End(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdEnd}).err
}

// Ping returns once the conversation has handled everything queued before
// it.
func (c *Conversation) Ping(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdPing}).err
}

// View returns the current conversation summary.
func (c *Conversation) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Listen registers for conversation events. The channel is closed when the
// conversation stops or cancel is called. Slow listeners miss events.
func (c *Conversation) Listen() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, listenerBuffer)
	if c.stopped {
		close(ch)
		return ch, func() {}
	}
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = ch
	c.lastActive = c.now()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if l, ok := c.listeners[id]; ok {
				delete(c.listeners, id)
				close(l)
			}
			c.lastActive = c.now()
		})
	}
}

func (c *Conversation) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("Listener queue full, dropping event", "listener", id, "event", ev.Type)
		}
	}
}

func (c *Conversation) closeListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, ch := range c.listeners {
		close(ch)
		delete(c.listeners, id)
	}
}

func (c *Conversation) touch() {
	c.mu.Lock()
	c.lastActive = c.now()
	c.mu.Unlock()
}

// retire marks the conversation as finished if it has been idle longer
// than ttl with no listeners and no send in flight. A retired conversation
// refuses new messages.
func (c *Conversation) retire(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retiring {
		return true
	}
	if len(c.listeners) > 0 || c.sending > 0 || now.Sub(c.lastActive) <= ttl {
		return false
	}
	c.retiring = true
	return true
}
