package extract

import "strings"

// InstanceTags are the "~key(value)" attributes appended to an instance id,
// e.g. "12345~region(eu)~private(usr_x)~canRequestInvite".
type InstanceTags struct {
	Name   string
	Region string
	attrs  map[string]string
}

// ParseInstanceTags splits an instance id into its name and attributes.
// Malformed attributes are ignored.
func ParseInstanceTags(instance string) InstanceTags {
	parts := strings.Split(instance, "~")
	tags := InstanceTags{
		Name:  parts[0],
		attrs: make(map[string]string, len(parts)-1),
	}
	for _, p := range parts[1:] {
		key, rest, hasValue := strings.Cut(p, "(")
		if key == "" {
			continue
		}
		value := ""
		if hasValue {
			v, ok := strings.CutSuffix(rest, ")")
			if !ok {
				continue
			}
			value = v
		}
		tags.attrs[key] = value
	}
	tags.Region = tags.attrs["region"]
	return tags
}

// Has reports whether the attribute key is present.
func (t InstanceTags) Has(key string) bool {
	_, ok := t.attrs[key]
	return ok
}

// Get returns the value of the attribute key.
func (t InstanceTags) Get(key string) string {
	return t.attrs[key]
}

// Access derives the instance access type from its attributes.
func (t InstanceTags) Access() Access {
	switch {
	case t.Has("private"):
		if t.Has("canRequestInvite") {
			return AccessInvitePlus
		}
		return AccessInvite
	case t.Has("friends"):
		return AccessFriends
	case t.Has("hidden"):
		return AccessFriendsPlus
	case t.Has("group"):
		switch t.Get("groupAccessType") {
		case "public":
			return AccessGroupPublic
		case "plus":
			return AccessGroupPlus
		default:
			return AccessGroup
		}
	}
	return AccessPublic
}
