package broker

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry maps topics to their subscriber sets.
//
// Every topic has its own lock, so subscribing to one topic never waits on
// another. Each mutation publishes a fresh immutable member slice; readers load
// it without locking and copy it, so they observe the set either before or
// after a mutation and never in between.
//
// Topic sets are created under a registry wide lock and never replaced, so
// every caller of one topic ends up with the same set.
type Registry struct {
	mu     sync.Mutex
	topics *haxmap.Map[string, *topicSet]
	newSet func() *topicSet
}

func NewRegistry() *Registry {
	return &Registry{
		topics: haxmap.New[string, *topicSet](),
		newSet: newTopicSet,
	}
}

type topicSet struct {
	mu       sync.Mutex
	members  *orderedmap.OrderedMap[string, Subscriber]
	snapshot atomic.Pointer[[]Subscriber]
}

func newTopicSet() *topicSet {
	ts := &topicSet{members: orderedmap.New[string, Subscriber]()}
	ts.snapshot.Store(&[]Subscriber{})
	return ts
}

// publish must be called with mu held.
func (ts *topicSet) publish() {
	members := make([]Subscriber, 0, ts.members.Len())
	for pair := ts.members.Oldest(); pair != nil; pair = pair.Next() {
		members = append(members, pair.Value)
	}
	ts.snapshot.Store(&members)
}

func (r *Registry) set(topic string) *topicSet {
	if ts, ok := r.topics.Get(topic); ok {
		return ts
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.topics.Get(topic); ok {
		return ts
	}
	ts := r.newSet()
	r.topics.Set(topic, ts)
	return ts
}

// Add registers sub on topic. It reports false when sub was already a member.
func (r *Registry) Add(topic string, sub Subscriber) bool {
	ts := r.set(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, present := ts.members.Get(sub.ID()); present {
		return false
	}
	ts.members.Set(sub.ID(), sub)
	ts.publish()
	return true
}

// Remove unregisters sub from topic. It reports false when sub was not a
// member. The topic entry is kept even when its set becomes empty.
func (r *Registry) Remove(topic string, sub Subscriber) bool {
	ts, ok := r.topics.Get(topic)
	if !ok {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, present := ts.members.Delete(sub.ID()); !present {
		return false
	}
	ts.publish()
	return true
}

// RemoveAll unregisters sub from every topic and returns the topics it left.
func (r *Registry) RemoveAll(sub Subscriber) []string {
	var left []string
	for _, topic := range r.Topics() {
		if r.Remove(topic, sub) {
			left = append(left, topic)
		}
	}
	return left
}

// Snapshot returns a copy of the subscribers of topic in subscription order.
// Unknown topics yield an empty slice.
func (r *Registry) Snapshot(topic string) []Subscriber {
	ts, ok := r.topics.Get(topic)
	if !ok {
		return nil
	}
	return slices.Clone(*ts.snapshot.Load())
}

// Count returns the number of subscribers of topic.
func (r *Registry) Count(topic string) int {
	ts, ok := r.topics.Get(topic)
	if !ok {
		return 0
	}
	return len(*ts.snapshot.Load())
}

// Topics lists every topic that was ever subscribed to, sorted.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, r.topics.Len())
	r.topics.ForEach(func(topic string, _ *topicSet) bool {
		topics = append(topics, topic)
		return true
	})
	slices.Sort(topics)
	return topics
}
