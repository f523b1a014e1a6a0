// Package location holds the single authoritative "current location" value.
package location

import (
	"net/url"
	"time"

	"github.com/dgnsrekt/whereami/internal/extract"
)

const (
	worldPageBase = "https://vrchat.com/home/world/"
	launchBase    = "https://vrchat.com/home/launch"
)

// Location is a snapshot of where the client currently is.
type Location struct {
	WorldID       string
	InstanceID    string
	Region        string
	Access        extract.Access
	WorldImageURL string
	JoinURL       string
	WorldName     string
	AuthorName    string
	EnteredAt     time.Time
}

// RoomID is the "world:instance" pair identifying the running instance.
func (l *Location) RoomID() string {
	return l.WorldID + ":" + l.InstanceID
}

// WorldURL is the public page of the world.
func (l *Location) WorldURL() string {
	return WorldURL(l.WorldID)
}

// sameAs compares the fields that make a location observably different.
// EnteredAt is not compared.
func (l *Location) sameAs(o *Location) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.WorldID == o.WorldID &&
		l.InstanceID == o.InstanceID &&
		l.Region == o.Region &&
		l.Access == o.Access &&
		l.WorldImageURL == o.WorldImageURL &&
		l.JoinURL == o.JoinURL &&
		l.WorldName == o.WorldName &&
		l.AuthorName == o.AuthorName
}

// Clone returns an independent copy of l; nil stays nil.
func (l *Location) Clone() *Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// WorldURL returns the public page of a world.
func WorldURL(worldID string) string {
	return worldPageBase + worldID
}

// LaunchURL returns the link that opens a specific instance in the client.
func LaunchURL(worldID, instanceID string) string {
	q := url.Values{}
	q.Set("worldId", worldID)
	q.Set("instanceId", instanceID)
	return launchBase + "?" + q.Encode()
}
