package bus

import (
	"sort"
	"strings"
	"sync"

	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/protocol/events"
)

// LocalBus is an in-process Bus with NATS-style subject wildcards.
// Delivery is synchronous on the publisher's goroutine.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*localSub
	rr     map[string]int
}

type localSub struct {
	id      int
	pattern []string
	queue   string
	handler Handler
	bus     *LocalBus
}

func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[int]*localSub{}, rr: map[string]int{}}
}

func (b *LocalBus) Publish(subject string, env *events.Envelope) error {
	if subject == "" {
		return errEmptyTopic
	}
	if env == nil {
		return errNilEnvelope
	}
	tokens := splitSubject(subject)

	b.mu.Lock()
	var targets []*localSub
	groups := map[string][]*localSub{}
	for _, s := range b.subs {
		if !matchSubject(s.pattern, tokens) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for queue, members := range groups {
		sortSubs(members)
		idx := b.rr[queue] % len(members)
		b.rr[queue]++
		targets = append(targets, members[idx])
	}
	b.mu.Unlock()

	sortSubs(targets)
	for _, s := range targets {
		if err := s.handler(env); err != nil {
			logging.Error("bus", "local handler error", "subject", subject, "error", err)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(subject, queue string, handler Handler) (Subscription, error) {
	if subject == "" {
		return nil, errEmptyTopic
	}
	if handler == nil {
		return nil, errNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &localSub{
		id:      b.nextID,
		pattern: splitSubject(subject),
		queue:   queue,
		handler: handler,
		bus:     b,
	}
	b.subs[s.id] = s
	return s, nil
}

func splitSubject(subject string) []string {
	return strings.Split(subject, ".")
}

func matchSubject(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}

func sortSubs(subs []*localSub) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
}
