package imaging

import "sync"

// ForwardEvents relays every cache event to notify, keyed by the scope's
// topic string. Update events carry the 1-based page that was written;
// invalidations carry page 0.
func ForwardEvents(c *Cache, notify func(topic, eventType string, page int)) {
	c.OnUpdate(func(ev Event) {
		page := 0
		if ev.Type == EventUpdated {
			page = ev.Key.Page
		}
		notify(ev.Scope.String(), ev.Type.String(), page)
	})
}

// ValidateTopic accepts only topics that name a cache scope.
func ValidateTopic(topic string) error {
	_, err := ParseScope(topic)
	return err
}

// TopicWatcher watches the cache scope behind every topic somebody is
// subscribed to, so that invalidating it refreshes what subscribers see. It
// satisfies the websocket hub's Observer.
type TopicWatcher struct {
	cache   *Cache
	mu      sync.Mutex
	unwatch map[string]func()
}

func NewTopicWatcher(c *Cache) *TopicWatcher {
	return &TopicWatcher{cache: c, unwatch: make(map[string]func())}
}

// Observe starts watching topic's scope. Topics that name no scope are
// ignored.
func (w *TopicWatcher) Observe(topic string) {
	scope, err := ParseScope(topic)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.unwatch[topic]; ok {
		return
	}
	w.unwatch[topic] = w.cache.Watch(scope)
}

// Forget stops watching topic's scope.
func (w *TopicWatcher) Forget(topic string) {
	w.mu.Lock()
	unwatch, ok := w.unwatch[topic]
	delete(w.unwatch, topic)
	w.mu.Unlock()
	if ok {
		unwatch()
	}
}
