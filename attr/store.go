// Package attr holds the named, remotely observable values of a board and
// fans out change notifications to subscribers.
package attr

import (
	"context"
	"sort"
	"sync"
)

const defaultQueueLen = 16

// Change is one notification: name now holds value.
type Change struct {
	Name  string
	Value any
}

// Publisher receives forwarded changes, e.g. an MQTT bridge.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

type Subscription struct {
	ch    chan Change
	store *Store
}

func (s *Subscription) Channel() <-chan Change { return s.ch }
func (s *Subscription) Unsubscribe()           { s.store.unsubscribe(s) }

type setOptions struct {
	silent bool
}

type SetOption func(*setOptions)

// Silent stores the value without notifying anyone, for state that should not
// be externally visible yet.
func Silent() SetOption {
	return func(o *setOptions) { o.silent = true }
}

type Store struct {
	lock   sync.RWMutex
	values map[string]any
	subs   []*Subscription
	qLen   int
}

func NewStore(queueLen int) *Store {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	return &Store{
		values: make(map[string]any),
		qLen:   queueLen,
	}
}

func (s *Store) Get(name string) (any, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	value, found := s.values[name]
	return value, found
}

// Set stores value under name and notifies subscribers unless Silent is given.
func (s *Store) Set(name string, value any, opts ...SetOption) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.values[name] = value
	if o.silent {
		return
	}

	change := Change{Name: name, Value: value}
	for _, sub := range s.subs {
		select {
		case sub.ch <- change:
		default:
			// drop oldest if queue full
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- change
		}
	}
}

func (s *Store) Delete(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.values, name)
}

func (s *Store) Names() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Snapshot() map[string]any {
	s.lock.RLock()
	defer s.lock.RUnlock()

	snapshot := make(map[string]any, len(s.values))
	for name, value := range s.values {
		snapshot[name] = value
	}
	return snapshot
}

func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{
		ch:    make(chan Change, s.qLen),
		store: s,
	}

	s.lock.Lock()
	s.subs = append(s.subs, sub)
	s.lock.Unlock()

	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, other := range s.subs {
		if other == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Forward delivers every change to p until ctx ends. Publish errors go to
// onError when set and do not stop forwarding.
func (s *Store) Forward(ctx context.Context, p Publisher, onError func(Change, error)) {
	sub := s.Subscribe()
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.Channel():
				if !ok {
					return
				}
				if err := p.Publish(ctx, change); err != nil && onError != nil {
					onError(change, err)
				}
			}
		}
	}()
}
