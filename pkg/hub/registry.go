package hub

import "sync"

// docKey identifies one document across the hub maps.
type docKey struct {
	collection string
	docID      string
}

func (k docKey) String() string { return k.collection + "/" + k.docID }

// Registry maps collections and documents to their subscriber sets.
// Broadcasts take the read lock; subscribe, unsubscribe and connection
// drops take the write lock.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]map[*Session]struct{}
	docs        map[docKey]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		collections: make(map[string]map[*Session]struct{}),
		docs:        make(map[docKey]map[*Session]struct{}),
	}
}

// Subscribe adds the session to a collection's subscriber set.
func (r *Registry) Subscribe(sess *Session, collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.collections[collection]
	if set == nil {
		set = make(map[*Session]struct{})
		r.collections[collection] = set
	}
	set[sess] = struct{}{}
}

// Unsubscribe removes the session from a collection's subscriber set.
func (r *Registry) Unsubscribe(sess *Session, collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.collections[collection]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(r.collections, collection)
		}
	}
}

// SubscribeDoc adds the session to one document's subscriber set.
func (r *Registry) SubscribeDoc(sess *Session, key docKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.docs[key]
	if set == nil {
		set = make(map[*Session]struct{})
		r.docs[key] = set
	}
	set[sess] = struct{}{}
}

// UnsubscribeDoc removes the session from one document's subscriber set.
func (r *Registry) UnsubscribeDoc(sess *Session, key docKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.docs[key]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(r.docs, key)
		}
	}
}

// DropSession removes the session everywhere. Called on connection
// drop.
func (r *Registry) DropSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for collection, set := range r.collections {
		delete(set, sess)
		if len(set) == 0 {
			delete(r.collections, collection)
		}
	}
	for key, set := range r.docs {
		delete(set, sess)
		if len(set) == 0 {
			delete(r.docs, key)
		}
	}
}

// CollectionSubscribers snapshots the subscriber set for a collection.
func (r *Registry) CollectionSubscribers(collection string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.collections[collection]
	out := make([]*Session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// DocSubscribers snapshots the subscriber set for one document.
func (r *Registry) DocSubscribers(key docKey) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.docs[key]
	out := make([]*Session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// Counts reports active collection and document subscription totals.
func (r *Registry) Counts() (collections int, docs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, set := range r.collections {
		collections += len(set)
	}
	for _, set := range r.docs {
		docs += len(set)
	}
	return collections, docs
}
