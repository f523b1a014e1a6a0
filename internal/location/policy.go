package location

import (
	"fmt"

	"github.com/dgnsrekt/whereami/internal/extract"
)

// JoinPolicy decides for which access types a join link may be exposed.
type JoinPolicy struct {
	allowed map[extract.Access]bool
}

// DefaultJoinAccess lists the access types whose join links are exposed
// unless configured otherwise. Invite-only, members-only and unknown
// instances are withheld.
var DefaultJoinAccess = []string{
	string(extract.AccessPublic),
	string(extract.AccessFriendsPlus),
	string(extract.AccessFriends),
	string(extract.AccessGroupPublic),
	string(extract.AccessGroupPlus),
}

// NewJoinPolicy builds a policy from access type names.
func NewJoinPolicy(names []string) (JoinPolicy, error) {
	p := JoinPolicy{allowed: make(map[extract.Access]bool, len(names))}
	for _, n := range names {
		a, ok := extract.ParseAccess(n)
		if !ok {
			return JoinPolicy{}, fmt.Errorf("unknown access type %q", n)
		}
		p.allowed[a] = true
	}
	return p, nil
}

// Exposes reports whether a join link for access may be published.
func (p JoinPolicy) Exposes(a extract.Access) bool {
	return p.allowed[a]
}

func (p JoinPolicy) joinURL(l *Location) string {
	if !p.Exposes(l.Access) {
		return ""
	}
	return LaunchURL(l.WorldID, l.InstanceID)
}
