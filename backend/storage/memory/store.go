package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/callrelay/backend/model"
)

var (
	ErrNameTaken = errors.New("name is taken")
	ErrNoConn    = errors.New("connection is required")
)

type entry struct {
	p   model.Participant
	seq uint64
}

// Registry maps participant ids to their connection and call state.
// Every read hands out copies; entries are only changed through the methods below.
type Registry struct {
	mx     *sync.Mutex
	db     map[string]*entry
	byConn map[string]string
	seq    uint64
}

func NewRegistry() *Registry {
	return &Registry{
		mx:     &sync.Mutex{},
		db:     make(map[string]*entry),
		byConn: make(map[string]string),
	}
}

// Register adds a participant in the Available state.
// An existing entry is replaced only if its connection has already closed.
func (r *Registry) Register(id string, conn *model.Wire) (model.Participant, error) {
	if conn == nil {
		return model.Participant{}, ErrNoConn
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	if old, ok := r.db[id]; ok {
		if !old.p.Conn.Closed() {
			return model.Participant{}, ErrNameTaken
		}
		delete(r.byConn, old.p.Conn.ID)
	}

	r.seq++
	e := &entry{
		p:   model.Participant{ID: id, Conn: conn, State: model.Available},
		seq: r.seq,
	}
	r.db[id] = e
	r.byConn[conn.ID] = id
	return e.p, nil
}

// Unregister is a no-op for unknown ids.
func (r *Registry) Unregister(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.db[id]
	if !ok {
		return
	}
	delete(r.byConn, e.p.Conn.ID)
	delete(r.db, id)
}

func (r *Registry) Lookup(id string) (model.Participant, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.db[id]
	if !ok {
		return model.Participant{}, false
	}
	return e.p, true
}

// LookupByConn resolves the participant logged in on a connection.
func (r *Registry) LookupByConn(connID string) (model.Participant, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return model.Participant{}, false
	}
	return r.db[id].p, true
}

// ListAll returns every participant in registration order.
func (r *Registry) ListAll() []model.Participant {
	r.mx.Lock()
	entries := make([]*entry, 0, len(r.db))
	for _, e := range r.db {
		entries = append(entries, e)
	}
	r.mx.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.Participant, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.p)
	}
	return out
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.db)
}

// SetState updates state and peer together. Unknown ids are ignored.
// Setting Available always clears the peer and call.
func (r *Registry) SetState(id string, state model.CallState, peer string) {
	r.SetCall(id, state, peer, "", false)
}

// SetCall is SetState that also records the call id and which side placed it.
func (r *Registry) SetCall(id string, state model.CallState, peer, call string, outgoing bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.db[id]
	if !ok {
		return
	}
	if state == model.Available || peer == "" {
		e.p.State = model.Available
		e.p.Peer = ""
		e.p.Call = ""
		e.p.Outgoing = false
		return
	}
	if call == "" && e.p.Peer == peer {
		call, outgoing = e.p.Call, e.p.Outgoing
	}
	e.p.State = state
	e.p.Peer = peer
	e.p.Call = call
	e.p.Outgoing = outgoing
}

func (r *Registry) ResetToAvailable(id string) {
	r.SetState(id, model.Available, "")
}
