// Package membership implements the member registry: the authoritative
// per-group membership of the local node's view of every group.
//
// Every mutation produces a types.ViewDelta and advances the group's view
// sequence number exactly once. Join epochs are chosen by the joining node
// and carried in the ordered JOIN, so all nodes insert the same epoch.
package membership

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// groupState is one group's members and view counter. Groups are never
// forgotten once seen so their counters stay monotonic after the last
// member leaves.
type groupState struct { // A
	seq     uint64
	members map[types.ProcessKey]types.Member
}

// Registry is the thread-safe in-memory member registry.
type Registry struct { // A
	mu     sync.RWMutex
	groups map[types.GroupName]*groupState
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry { // A
	return &Registry{
		groups: make(map[types.GroupName]*groupState),
	}
}

func (r *Registry) group( // A
	name types.GroupName,
) *groupState {
	g, ok := r.groups[name]
	if !ok {
		g = &groupState{
			members: make(map[types.ProcessKey]types.Member),
		}
		r.groups[name] = g
	}
	return g
}

// ApplyJoin inserts member into group. A live entry with the same
// (node, process) but an older epoch is superseded: it is reported as left
// in the same delta. Re-applying the exact same member is a no-op.
func (r *Registry) ApplyJoin( // A
	group types.GroupName,
	member types.Member,
) types.ViewDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.group(group)
	var delta types.ViewDelta
	if old, ok := g.members[member.Key()]; ok {
		if old.JoinEpoch == member.JoinEpoch {
			delta.View = viewOf(group, g)
			return delta
		}
		delta.Left = []types.Member{old}
	}
	g.members[member.Key()] = member
	g.seq++
	delta.Joined = []types.Member{member}
	delta.View = viewOf(group, g)
	return delta
}

// ApplyJoinStrict is ApplyJoin without the supersede policy: a live entry
// for the same process fails with ErrDuplicateMember.
func (r *Registry) ApplyJoinStrict( // A
	group types.GroupName,
	member types.Member,
) (types.ViewDelta, error) {
	r.mu.RLock()
	g, ok := r.groups[group]
	if ok {
		if old, live := g.members[member.Key()]; live {
			r.mu.RUnlock()
			return types.ViewDelta{}, fmt.Errorf(
				"%s already in %s as %s: %w",
				member, group, old, types.ErrDuplicateMember,
			)
		}
	}
	r.mu.RUnlock()
	return r.ApplyJoin(group, member), nil
}

// ApplyLeave removes member from group. Leaving an absent member is a
// no-op because leave and crash notices race across nodes. A non-zero
// epoch must match the live entry; a stale epoch is ignored.
func (r *Registry) ApplyLeave( // A
	group types.GroupName,
	member types.Member,
) types.ViewDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[group]
	if !ok {
		return types.ViewDelta{View: types.View{Group: group}}
	}
	old, live := g.members[member.Key()]
	if !live ||
		(member.JoinEpoch != 0 && member.JoinEpoch != old.JoinEpoch) {
		return types.ViewDelta{View: viewOf(group, g)}
	}
	delete(g.members, member.Key())
	g.seq++
	return types.ViewDelta{
		View: viewOf(group, g),
		Left: []types.Member{old},
	}
}

// Reconcile replaces the membership of group with members, the way a
// configuration commit does. Departed members are removed first and
// published with seq-1, newcomers are added and published with seq.
// Either delta may be empty; the counter ends at seq regardless, so every
// node leaves the commit with the same counter. seq must exceed the
// current counter by at least two; a smaller seq is ignored.
func (r *Registry) Reconcile( // A
	group types.GroupName,
	members []types.Member,
	seq uint64,
) (down types.ViewDelta, up types.ViewDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.group(group)
	if seq < g.seq+2 {
		return down, up
	}
	target := make(map[types.ProcessKey]types.Member, len(members))
	for _, m := range members {
		target[m.Key()] = m
	}

	var left, joined []types.Member
	for key, m := range g.members {
		if t, ok := target[key]; !ok || t.JoinEpoch != m.JoinEpoch {
			left = append(left, m)
		}
	}
	for key, m := range target {
		if cur, ok := g.members[key]; !ok || cur.JoinEpoch != m.JoinEpoch {
			joined = append(joined, m)
		}
	}
	types.SortMembers(left)
	types.SortMembers(joined)

	if len(left) > 0 {
		for _, m := range left {
			delete(g.members, m.Key())
		}
		g.seq = seq - 1
		down = types.ViewDelta{View: viewOf(group, g), Left: left}
	}
	if len(joined) > 0 {
		for _, m := range joined {
			g.members[m.Key()] = m
		}
		g.seq = seq
		up = types.ViewDelta{View: viewOf(group, g), Joined: joined}
	}
	g.seq = seq
	return down, up
}

// CurrentView returns a snapshot of group. Unknown groups yield an empty
// view with sequence 0.
func (r *Registry) CurrentView( // A
	group types.GroupName,
) types.View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[group]
	if !ok {
		return types.View{Group: group}
	}
	return viewOf(group, g)
}

// Groups returns the names of all groups that currently have members,
// ordered by name.
func (r *Registry) Groups() []types.GroupName { // A
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.GroupName
	for _, name := range r.sortedNamesLocked() {
		if len(r.groups[name].members) > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Counters returns the view counter of every group ever seen.
func (r *Registry) Counters() map[types.GroupName]uint64 { // A
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.GroupName]uint64, len(r.groups))
	for name, g := range r.groups {
		out[name] = g.seq
	}
	return out
}

// LocalMembers returns the members hosted on node, per group.
func (r *Registry) LocalMembers( // A
	node uint32,
) map[types.GroupName][]types.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.GroupName][]types.Member)
	for name, g := range r.groups {
		for key, m := range g.members {
			if key.NodeID == node {
				out[name] = append(out[name], m)
			}
		}
	}
	for name := range out {
		types.SortMembers(out[name])
	}
	return out
}

func (r *Registry) sortedNamesLocked() []types.GroupName { // A
	names := make([]types.GroupName, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	SortGroupNames(names)
	return names
}

// SortGroupNames orders names bytewise in place.
func SortGroupNames(names []types.GroupName) { // A
	sort.Slice(names, func(i, j int) bool {
		return bytes.Compare(names[i].Bytes(), names[j].Bytes()) < 0
	})
}

func viewOf( // A
	name types.GroupName,
	g *groupState,
) types.View {
	members := make([]types.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	types.SortMembers(members)
	return types.View{Group: name, Seq: g.seq, Members: members}
}
