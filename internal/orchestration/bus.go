package orchestration

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// MessageHandlerFunc receives messages matched by a subscription.
type MessageHandlerFunc func(msg *models.AgentMessage)

// Route is a forwarding rule applied to messages from one sender. Empty
// fields are wildcards; To set to "*" broadcasts the routed message.
type Route struct {
	To     string             `json:"to,omitempty"`
	Action string             `json:"action,omitempty"`
	Type   models.MessageType `json:"type,omitempty"`
}

// RouteHandler consumes routing events raised by matching rules.
type RouteHandler func(msg *models.AgentMessage, route Route)

// MessageFilter narrows Log snapshots. Fields are conjunctive.
type MessageFilter struct {
	From   string             `json:"from,omitempty"`
	To     string             `json:"to,omitempty"`
	Action string             `json:"action,omitempty"`
	Type   models.MessageType `json:"type,omitempty"`
	Since  time.Time          `json:"since,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

type subscription struct {
	id      string
	pattern string
	re      *regexp.Regexp
	handler MessageHandlerFunc
}

// DefaultMaxLogSize bounds the bus log when no capacity is configured.
const DefaultMaxLogSize = 1000

// MessageBus is the pub/sub fabric between agents and the orchestrator:
// a bounded FIFO log, pattern subscriptions and routing rules.
type MessageBus struct {
	logger *logrus.Logger
	tracer trace.Tracer

	mu         sync.RWMutex
	subs       map[string]*subscription
	order      []string
	routes     map[string][]Route
	onRoute    RouteHandler
	log        []*models.AgentMessage
	maxLogSize int
	routed     int64
}

// NewMessageBus creates a bus with the given log capacity; zero or
// negative means DefaultMaxLogSize.
func NewMessageBus(maxLogSize int, logger *logrus.Logger) *MessageBus {
	if maxLogSize <= 0 {
		maxLogSize = DefaultMaxLogSize
	}
	return &MessageBus{
		logger:     logger,
		tracer:     otel.Tracer("orchestration.bus"),
		subs:       make(map[string]*subscription),
		routes:     make(map[string][]Route),
		maxLogSize: maxLogSize,
	}
}

// regexpMeta marks patterns to be treated as regular expressions rather
// than literal tags.
const regexpMeta = `.*+?()[]{}|^$\`

// Subscribe registers a handler. A literal pattern matches the message's
// action, from or to exactly; a pattern containing regexp metacharacters
// is compiled and matched against the same fields. Returns the handler id.
func (b *MessageBus) Subscribe(pattern string, handler MessageHandlerFunc) string {
	sub := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
	}

	if strings.ContainsAny(pattern, regexpMeta) {
		re, err := regexp.Compile(pattern)
		if err == nil {
			sub.re = re
		} else {
			b.logger.WithError(err).WithField("pattern", pattern).Warn("Pattern does not compile, matching literally")
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a handler. Idempotent.
func (b *MessageBus) Unsubscribe(handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[handlerID]; !ok {
		return
	}
	delete(b.subs, handlerID)
	for i, id := range b.order {
		if id == handlerID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// AddRoute installs a forwarding rule for messages from the given sender.
func (b *MessageBus) AddRoute(fromAgent string, route Route) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[fromAgent] = append(b.routes[fromAgent], route)
}

// OnRoute installs the consumer for routing events, typically the
// orchestrator's forwarding dispatch.
func (b *MessageBus) OnRoute(h RouteHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRoute = h
}

// Publish appends the message to the bounded log, notifies matching
// subscribers in registration order, then applies routing rules. Handler
// panics are logged, never propagated. A non-broadcast message with
// from == to is rejected.
func (b *MessageBus) Publish(msg *models.AgentMessage) error {
	_, span := b.tracer.Start(context.Background(), "bus.publish")
	defer span.End()

	if msg == nil {
		return E(KindValidation, "bus.publish", "nil message")
	}
	if msg.From == "" || msg.To == "" {
		return E(KindValidation, "bus.publish", "message requires from and to")
	}
	if msg.From == msg.To && !msg.IsBroadcast() {
		return E(KindValidation, "bus.publish", fmt.Sprintf("message from %q addressed to itself", msg.From))
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	span.SetAttributes(
		attribute.String("message.from", msg.From),
		attribute.String("message.to", msg.To),
		attribute.String("message.action", msg.Action),
	)

	b.mu.Lock()
	if len(b.log) >= b.maxLogSize {
		// FIFO eviction: drop the oldest before appending.
		b.log = b.log[1:]
	}
	b.log = append(b.log, msg)

	matched := make([]*subscription, 0, 4)
	for _, id := range b.order {
		sub := b.subs[id]
		if sub != nil && matches(sub, msg) {
			matched = append(matched, sub)
		}
	}
	routes := b.routes[msg.From]
	onRoute := b.onRoute
	b.mu.Unlock()

	for _, sub := range matched {
		b.deliver(sub, msg)
	}

	for _, route := range routes {
		if routeMatches(route, msg) {
			b.mu.Lock()
			b.routed++
			b.mu.Unlock()
			if onRoute != nil {
				onRoute(msg, route)
			}
		}
	}

	return nil
}

func (b *MessageBus) deliver(sub *subscription, msg *models.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"pattern":    sub.pattern,
				"message_id": msg.ID,
				"panic":      r,
			}).Error("Message handler panicked")
		}
	}()
	sub.handler(msg)
}

// matches checks a subscription against the message's literal topics
// (action, from, to, "message", "message:<type>", "message:<from>:<to>")
// or, for regexp subscriptions, against action, from and to.
func matches(sub *subscription, msg *models.AgentMessage) bool {
	if sub.re != nil {
		return sub.re.MatchString(msg.Action) || sub.re.MatchString(msg.From) || sub.re.MatchString(msg.To)
	}
	switch sub.pattern {
	case msg.Action, msg.From, msg.To,
		"message",
		"message:" + string(msg.Type),
		"message:" + msg.From + ":" + msg.To:
		return true
	}
	return false
}

func routeMatches(route Route, msg *models.AgentMessage) bool {
	if route.To != "" && route.To != msg.To && route.To != models.Broadcast {
		return false
	}
	if route.Action != "" && route.Action != msg.Action {
		return false
	}
	if route.Type != "" && route.Type != msg.Type {
		return false
	}
	return true
}

// Log returns a filtered snapshot in global publish order.
func (b *MessageBus) Log(filter *MessageFilter) []*models.AgentMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.AgentMessage, 0, len(b.log))
	for _, msg := range b.log {
		if filter != nil {
			if filter.From != "" && msg.From != filter.From {
				continue
			}
			if filter.To != "" && msg.To != filter.To {
				continue
			}
			if filter.Action != "" && msg.Action != filter.Action {
				continue
			}
			if filter.Type != "" && msg.Type != filter.Type {
				continue
			}
			if !filter.Since.IsZero() && msg.Timestamp.Before(filter.Since) {
				continue
			}
		}
		out = append(out, msg)
	}

	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Size returns the current log length.
func (b *MessageBus) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.log)
}

// Routed returns the number of routing events raised so far.
func (b *MessageBus) Routed() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routed
}

// Clear drops the log and every subscription; used by orchestrator
// shutdown.
func (b *MessageBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
	b.subs = make(map[string]*subscription)
	b.order = nil
	b.routes = make(map[string][]Route)
}
