package membership

import (
    "sort"
    "sync"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

// Member is one node of the applied configuration.
type Member struct {
    ID     consensus.NodeID `json:"id"`
    Host   string           `json:"host"`
    Port   int              `json:"port"`
    Voting bool             `json:"voting"`
    Self   bool             `json:"self,omitempty"`
}

// View is the configuration as applied from the log. It has its own lock so
// status readers need not take the consensus lock.
type View struct {
    mu      sync.RWMutex
    members map[consensus.NodeID]Member
}

func NewView() *View { return &View{members: make(map[consensus.NodeID]Member)} }

func (v *View) Put(m Member) {
    v.mu.Lock(); defer v.mu.Unlock()
    v.members[m.ID] = m
}

func (v *View) Remove(id consensus.NodeID) {
    v.mu.Lock(); defer v.mu.Unlock()
    delete(v.members, id)
}

// Get returns the member with id; a missing member comes back with ID NoNode.
func (v *View) Get(id consensus.NodeID) (Member, bool) {
    v.mu.RLock(); defer v.mu.RUnlock()
    m, ok := v.members[id]
    if !ok { return Member{ID: consensus.NoNode}, false }
    return m, true
}

func (v *View) Len() int {
    v.mu.RLock(); defer v.mu.RUnlock()
    return len(v.members)
}

func (v *View) Members() []Member {
    v.mu.RLock(); defer v.mu.RUnlock()
    arr := make([]Member, 0, len(v.members))
    for _, m := range v.members { arr = append(arr, m) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
    return arr
}
