// Package extract turns single log lines into location events.
//
// Matching is line-local and stateless. Lines that do not match a known
// shape yield no event; they are never an error.
package extract

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	timestampLayout = "2006.01.02 15:04:05"
	defaultRegion   = "us"

	behaviourPrefix = "[Behaviour] "
	joiningPrefix   = "Joining "
	leftMessage     = "Successfully left room"
)

var worldIDPattern = regexp.MustCompile(`^wrld_[A-Za-z0-9_-]+$`)

// ValidWorldID reports whether id looks like a world identifier.
func ValidWorldID(id string) bool {
	return worldIDPattern.MatchString(id)
}

// ValidInstanceID reports whether id can be used as an instance identifier.
func ValidInstanceID(id string) bool {
	if id == "" || len(id) > 512 {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n/?#")
}

// ParseLine extracts at most one event from a log line. now is used as the
// observation time when the line carries no timestamp of its own.
func ParseLine(line string, now time.Time) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")

	at := now
	body := line
	if ts, rest, ok := splitTimestamp(line); ok {
		at = ts
		body = rest
	}

	if msg, ok := behaviourMessage(body); ok {
		return parseBehaviour(msg, at)
	}
	return parseKeyValue(body, at)
}

// splitTimestamp strips a leading "YYYY.MM.DD HH:MM:SS " prefix.
func splitTimestamp(line string) (time.Time, string, bool) {
	n := len(timestampLayout)
	if len(line) <= n || line[n] != ' ' {
		return time.Time{}, "", false
	}
	ts, err := time.ParseInLocation(timestampLayout, line[:n], time.Local)
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, line[n+1:], true
}

// behaviourMessage returns the message of a "<Level> - [Behaviour] ..." line.
func behaviourMessage(body string) (string, bool) {
	source, msg, ok := strings.Cut(body, " - ")
	if !ok {
		return "", false
	}
	switch strings.TrimSpace(source) {
	case "Debug", "Log":
	default:
		return "", false
	}
	msg = strings.TrimSpace(msg)
	if !strings.HasPrefix(msg, behaviourPrefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, behaviourPrefix), true
}

func parseBehaviour(msg string, at time.Time) (Event, bool) {
	if msg == leftMessage {
		return WorldLeft{ObservedAt: at}, true
	}

	room, ok := strings.CutPrefix(msg, joiningPrefix)
	if !ok {
		return nil, false
	}
	// "Joining or Creating Room: <name>" shares the prefix but carries no ids.
	world, instance, ok := strings.Cut(strings.TrimSpace(room), ":")
	if !ok || !ValidWorldID(world) || !ValidInstanceID(instance) {
		return nil, false
	}

	tags := ParseInstanceTags(instance)
	region := tags.Region
	if region == "" {
		region = defaultRegion
	}
	return WorldEntered{
		WorldID:    world,
		InstanceID: instance,
		Region:     region,
		Access:     tags.Access(),
		ObservedAt: at,
	}, true
}

func parseKeyValue(body string, at time.Time) (Event, bool) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil, false
	}

	keyword := strings.ToLower(fields[0])
	values := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, false
		}
		values[strings.ToLower(k)] = v
	}

	switch keyword {
	case "left":
		if len(values) != 0 {
			return nil, false
		}
		return WorldLeft{ObservedAt: at}, true

	case "entered":
		world, instance := values["world"], values["instance"]
		if !ValidWorldID(world) || !ValidInstanceID(instance) {
			return nil, false
		}
		region := values["region"]
		if region == "" {
			region = defaultRegion
		}
		access := AccessUnknown
		if a, ok := ParseAccess(values["access"]); ok {
			access = a
		}
		return WorldEntered{
			WorldID:    world,
			InstanceID: instance,
			Region:     region,
			Access:     access,
			RawURL:     validURL(values["url"]),
			ObservedAt: at,
		}, true

	case "joined":
		instance := values["instance"]
		access, ok := ParseAccess(values["access"])
		if !ValidInstanceID(instance) || !ok {
			return nil, false
		}
		return InstanceJoined{InstanceID: instance, Access: access, ObservedAt: at}, true
	}

	return nil, false
}

func validURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}
