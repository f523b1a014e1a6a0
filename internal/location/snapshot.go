package location

import (
	"net/url"
	"time"

	"github.com/dgnsrekt/whereami/internal/extract"
)

// Snapshot is the wire form of a Location sent to overlay clients.
type Snapshot struct {
	WorldID       string         `json:"worldId"`
	InstanceID    string         `json:"instanceId"`
	RoomID        string         `json:"roomId"`
	Region        string         `json:"region"`
	Access        extract.Access `json:"access"`
	Image         string         `json:"image"`
	WorldImageURL string         `json:"worldImageUrl"`
	JoinURL       *string        `json:"joinUrl"`
	WorldName     string         `json:"worldName"`
	AuthorName    string         `json:"authorName"`
	EnteredAt     time.Time      `json:"enteredAt"`
}

// ImagePath is the local route serving a world's cached image.
func ImagePath(worldID string) string {
	return "/api/world/" + url.PathEscape(worldID) + "/image"
}

// NewSnapshot converts l to its wire form; nil stays nil so it encodes as
// JSON null.
func NewSnapshot(l *Location) *Snapshot {
	if l == nil {
		return nil
	}
	s := &Snapshot{
		WorldID:       l.WorldID,
		InstanceID:    l.InstanceID,
		RoomID:        l.RoomID(),
		Region:        l.Region,
		Access:        l.Access,
		WorldImageURL: l.WorldImageURL,
		WorldName:     l.WorldName,
		AuthorName:    l.AuthorName,
		EnteredAt:     l.EnteredAt,
	}
	if l.WorldImageURL != "" {
		s.Image = ImagePath(l.WorldID)
	}
	if l.JoinURL != "" {
		join := l.JoinURL
		s.JoinURL = &join
	}
	return s
}
