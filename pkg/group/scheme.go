package group

import (
	"sort"
	"strconv"
	"strings"
)

// DefaultPrefix is the member node name prefix used when no NodeScheme is given.
const DefaultPrefix = "member_"

// NodeScheme names member nodes <Prefix><sequence>, or <Prefix><owner>-<sequence> for nodes created
// by a Membership.  The owner tag lets a membership find the node it created when the reply to the
// create was lost.  Groups with different prefixes can share a path without seeing each other's
// members.
type NodeScheme struct {
	Prefix string
}

// IsMember reports whether name is a node created with this scheme.
func (s NodeScheme) IsMember(name string) bool {
	_, ok := s.Sequence(name)
	return ok
}

// Sequence returns the sequence number the coordination service appended to name.
func (s NodeScheme) Sequence(name string) (int64, bool) {
	_, digits, ok := s.split(name)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// Owner returns the owner tag of name, or the empty string if name has none.
func (s NodeScheme) Owner(name string) string {
	owner, _, _ := s.split(name)
	return owner
}

// ownedPrefix is the name every node created for owner starts with.
func (s NodeScheme) ownedPrefix(owner string) string {
	return s.Prefix + owner + "-"
}

func (s NodeScheme) split(name string) (owner, digits string, ok bool) {
	if !strings.HasPrefix(name, s.Prefix) {
		return "", "", false
	}
	suffix := name[len(s.Prefix):]
	if i := strings.LastIndexByte(suffix, '-'); i >= 0 {
		owner, suffix = suffix[:i], suffix[i+1:]
		if owner == "" {
			return "", "", false
		}
	}
	if suffix == "" {
		return "", "", false
	}
	return owner, suffix, true
}

// Sort filters names down to members of this scheme, ordered by ascending sequence number.
func (s NodeScheme) Sort(names []string) []string {
	type member struct {
		name string
		seq  int64
	}
	members := make([]member, 0, len(names))
	for _, name := range names {
		if seq, ok := s.Sequence(name); ok {
			members = append(members, member{name: name, seq: seq})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].seq < members[j].seq
	})
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.name
	}
	return ids
}
