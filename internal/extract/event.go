package extract

import (
	"strings"
	"time"
)

// Access is the visibility class of an instance.
type Access string

const (
	AccessUnknown     Access = "unknown"
	AccessPublic      Access = "public"
	AccessFriendsPlus Access = "friends+"
	AccessFriends     Access = "friends"
	AccessInvitePlus  Access = "invite+"
	AccessInvite      Access = "invite"
	AccessGroupPublic Access = "group-public"
	AccessGroupPlus   Access = "group+"
	AccessGroup       Access = "group"
)

var accessByName = map[string]Access{
	"unknown":      AccessUnknown,
	"public":       AccessPublic,
	"friends+":     AccessFriendsPlus,
	"friendsplus":  AccessFriendsPlus,
	"hidden":       AccessFriendsPlus,
	"friends":      AccessFriends,
	"invite+":      AccessInvitePlus,
	"inviteplus":   AccessInvitePlus,
	"invite":       AccessInvite,
	"private":      AccessInvite,
	"group-public": AccessGroupPublic,
	"group+":       AccessGroupPlus,
	"group":        AccessGroup,
}

// ParseAccess converts a name (case-insensitive) to an Access.
func ParseAccess(name string) (Access, bool) {
	a, ok := accessByName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Event is a candidate location change extracted from one log line.
type Event interface {
	// At returns the time the event was observed.
	At() time.Time
	isEvent()
}

// WorldEntered reports that the client joined a world instance.
type WorldEntered struct {
	WorldID    string    `json:"worldId"`
	InstanceID string    `json:"instanceId"`
	Region     string    `json:"region,omitempty"`
	Access     Access    `json:"access"`
	RawURL     string    `json:"rawUrl,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// InstanceJoined carries the access type of an instance the client is in.
type InstanceJoined struct {
	InstanceID string    `json:"instanceId"`
	Access     Access    `json:"access"`
	ObservedAt time.Time `json:"observedAt"`
}

// WorldLeft reports that the client left its world; location becomes null.
type WorldLeft struct {
	ObservedAt time.Time `json:"observedAt"`
}

// WorldResolved carries world metadata looked up after the world was entered.
// It is not produced by ParseLine.
type WorldResolved struct {
	WorldID    string    `json:"worldId"`
	Name       string    `json:"name,omitempty"`
	AuthorName string    `json:"authorName,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

func (e WorldEntered) At() time.Time   { return e.ObservedAt }
func (e InstanceJoined) At() time.Time { return e.ObservedAt }
func (e WorldLeft) At() time.Time      { return e.ObservedAt }
func (e WorldResolved) At() time.Time  { return e.ObservedAt }

func (WorldEntered) isEvent()   {}
func (InstanceJoined) isEvent() {}
func (WorldLeft) isEvent()      {}
func (WorldResolved) isEvent()  {}

// TypeName is a short lowercase label for the kind of ev.
func TypeName(ev Event) string {
	switch ev.(type) {
	case WorldEntered:
		return "entered"
	case InstanceJoined:
		return "joined"
	case WorldLeft:
		return "left"
	case WorldResolved:
		return "resolved"
	}
	return "unknown"
}
