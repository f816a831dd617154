// Package players keeps the per-battle player identity index. The engine
// addresses players by number, the lobby by userId, the engine console
// commands by name; the index keeps all three keys consistent.
package players

import "sort"

// Identity ties together the three names a player goes by in one battle.
type Identity struct {
	UserID string
	Name   string
	Number int
}

// Index is a bijective three-key map over identities. It is a plain
// struct; callers serialize access.
type Index struct {
	byUserID map[string]Identity
	byName   map[string]Identity
	byNumber map[int]Identity
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byUserID: make(map[string]Identity),
		byName:   make(map[string]Identity),
		byNumber: make(map[int]Identity),
	}
}

// Add inserts an identity. An existing identity under any of the three
// keys is replaced as a whole, keeping the maps consistent.
func (x *Index) Add(id Identity) {
	if old, ok := x.byUserID[id.UserID]; ok {
		x.remove(old)
	}
	if old, ok := x.byName[id.Name]; ok {
		x.remove(old)
	}
	if old, ok := x.byNumber[id.Number]; ok {
		x.remove(old)
	}
	x.byUserID[id.UserID] = id
	x.byName[id.Name] = id
	x.byNumber[id.Number] = id
}

func (x *Index) remove(id Identity) {
	delete(x.byUserID, id.UserID)
	delete(x.byName, id.Name)
	delete(x.byNumber, id.Number)
}

// ByUserID looks up an identity by lobby user id.
func (x *Index) ByUserID(userID string) (Identity, bool) {
	id, ok := x.byUserID[userID]
	return id, ok
}

// ByName looks up an identity by in-game name.
func (x *Index) ByName(name string) (Identity, bool) {
	id, ok := x.byName[name]
	return id, ok
}

// ByNumber looks up an identity by engine player number.
func (x *Index) ByNumber(number int) (Identity, bool) {
	id, ok := x.byNumber[number]
	return id, ok
}

// HasUserID reports whether a user id is present.
func (x *Index) HasUserID(userID string) bool {
	_, ok := x.byUserID[userID]
	return ok
}

// HasName reports whether a name is present.
func (x *Index) HasName(name string) bool {
	_, ok := x.byName[name]
	return ok
}

// RemoveByUserID removes an identity under all three keys.
func (x *Index) RemoveByUserID(userID string) bool {
	id, ok := x.byUserID[userID]
	if !ok {
		return false
	}
	x.remove(id)
	return true
}

// Len returns the number of identities.
func (x *Index) Len() int {
	return len(x.byUserID)
}

// Identities returns a snapshot sorted by player number.
func (x *Index) Identities() []Identity {
	out := make([]Identity, 0, len(x.byNumber))
	for _, id := range x.byNumber {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// NextNumber returns the smallest player number not in use.
func (x *Index) NextNumber() int {
	n := 0
	for {
		if _, ok := x.byNumber[n]; !ok {
			return n
		}
		n++
	}
}
