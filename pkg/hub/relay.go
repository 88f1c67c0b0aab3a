package hub

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/quillstore/quill/pkg/events"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/types"
)

// relayFrame is the cross-server broadcast payload. Delivery through
// the broker is at-least-once and unordered; the CRDT apply path makes
// both harmless (duplicates hit the applied-op history, reordering is
// resolved by causal sort).
type relayFrame struct {
	Origin     string            `json:"origin"`
	Collection string            `json:"collection"`
	DocID      string            `json:"doc_id"`
	Operations []types.Operation `json:"operations"`
	Version    uint64            `json:"version"`
}

// AttachRelay connects the hub to a broker shared by multiple server
// instances. Local CRDT commits are published; frames from other
// origins are applied and re-broadcast to local subscribers.
func (h *Hub) AttachRelay(b *events.Broker) {
	h.mu.Lock()
	h.relay = b
	h.mu.Unlock()

	sub := b.Subscribe()
	h.relayWg.Add(1)
	go func() {
		defer h.relayWg.Done()
		defer b.Unsubscribe(sub)
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type == events.EventRelayBroadcast {
					h.consumeRelay(ev)
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

func (h *Hub) publishRelay(key docKey, ops []types.Operation, version uint64) {
	h.mu.Lock()
	relay := h.relay
	h.mu.Unlock()
	if relay == nil || len(ops) == 0 {
		return
	}
	payload, err := json.Marshal(relayFrame{
		Origin:     h.nodeID,
		Collection: key.collection,
		DocID:      key.docID,
		Operations: ops,
		Version:    version,
	})
	if err != nil {
		lg7 := log.WithDoc(key.collection, key.docID)
		lg7.Error().Err(err).Msg("marshal relay frame")
		return
	}
	relay.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    events.EventRelayBroadcast,
		Payload: payload,
	})
}

func (h *Hub) consumeRelay(ev *events.Event) {
	var frame relayFrame
	if err := json.Unmarshal(ev.Payload, &frame); err != nil {
		lg8 := log.WithComponent("hub")
		lg8.Warn().Err(err).Msg("bad relay frame")
		return
	}
	if frame.Origin == h.nodeID {
		return
	}
	key := docKey{frame.Collection, frame.DocID}
	if _, err := h.applyRelayOps(key, frame.Operations); err != nil {
		lg9 := log.WithDoc(key.collection, key.docID)
		lg9.Warn().Err(err).
			Str("origin", frame.Origin).
			Msg("relayed ops rejected")
	}
}

// applyRelayOps applies foreign-origin ops without re-publishing them
// back to the relay.
func (h *Hub) applyRelayOps(key docKey, ops []types.Operation) (uint64, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	dh, err := h.getHandle(key, true)
	if err != nil {
		return 0, err
	}
	dh.mu.Lock()
	applied, err := dh.doc.ApplyRemoteBatch(ops)
	if err != nil {
		dh.mu.Unlock()
		return 0, err
	}
	if applied == 0 {
		version := dh.doc.Version()
		dh.mu.Unlock()
		return version, nil
	}
	version, _, err := h.commitDoc(key, dh, nil, "crdt")
	dh.mu.Unlock()
	if err != nil {
		return 0, err
	}
	h.broadcastOps(key, nil, ops, version)
	return version, nil
}
