package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseLine_VRChatJoining(t *testing.T) {
	line := "2024.01.02 03:04:05 Debug      -  [Behaviour] Joining wrld_900dd077-1337-c0fe-babe-71de05ea12c4:46115~region(eu)~hidden(usr_38116327-5a34-4fd8-ace0-21c93fb3f163)\r"

	ev, ok := ParseLine(line, testNow)
	require.True(t, ok)

	entered, ok := ev.(WorldEntered)
	require.True(t, ok, "expected WorldEntered, got %T", ev)
	assert.Equal(t, "wrld_900dd077-1337-c0fe-babe-71de05ea12c4", entered.WorldID)
	assert.Equal(t, "46115~region(eu)~hidden(usr_38116327-5a34-4fd8-ace0-21c93fb3f163)", entered.InstanceID)
	assert.Equal(t, "eu", entered.Region)
	assert.Equal(t, AccessFriendsPlus, entered.Access)
	assert.Empty(t, entered.RawURL)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local), entered.ObservedAt)
}

func TestParseLine_VRChatLeft(t *testing.T) {
	ev, ok := ParseLine("2024.01.02 03:10:00 Log        -  [Behaviour] Successfully left room", testNow)
	require.True(t, ok)
	assert.IsType(t, WorldLeft{}, ev)
}

func TestParseLine_KeyValue(t *testing.T) {
	ev, ok := ParseLine("entered world=wrld_abc instance=inst_1 region=us access=public url=https://example/img1.png", testNow)
	require.True(t, ok)

	entered := ev.(WorldEntered)
	assert.Equal(t, "wrld_abc", entered.WorldID)
	assert.Equal(t, "inst_1", entered.InstanceID)
	assert.Equal(t, "us", entered.Region)
	assert.Equal(t, AccessPublic, entered.Access)
	assert.Equal(t, "https://example/img1.png", entered.RawURL)
	assert.Equal(t, testNow, entered.ObservedAt)

	ev, ok = ParseLine("joined instance=inst_1 access=friends", testNow)
	require.True(t, ok)
	assert.Equal(t, InstanceJoined{InstanceID: "inst_1", Access: AccessFriends, ObservedAt: testNow}, ev)

	ev, ok = ParseLine("left", testNow)
	require.True(t, ok)
	assert.Equal(t, WorldLeft{ObservedAt: testNow}, ev)
}

func TestParseLine_Unmatched(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"2024.01.02 03:04:05 Debug      -  [Behaviour] Joining or Creating Room: The Great Pug",
		"2024.01.02 03:04:05 Debug      -  [Behaviour] Entering Room: The Great Pug",
		"2024.01.02 03:04:05 Warning    -  [Behaviour] Successfully left room",
		"2024.01.02 03:04:05 Debug      -  [Behaviour] Joining usr_123:456",
		"2024.01.02 03:04:05 Debug      -  [Behaviour] Joining wrld_abc:",
		"entered world=notaworld instance=inst_1",
		"entered world=wrld_abc",
		"entered world=wrld_abc instance=inst_1 garbage",
		"joined instance=inst_1 access=sideways",
		"left now=1",
		"\xff\xfe garbage bytes",
		"leftover text",
	}
	for _, line := range lines {
		ev, ok := ParseLine(line, testNow)
		assert.False(t, ok, "line %q produced %#v", line, ev)
	}
}

func TestParseLine_DropsNonHTTPURL(t *testing.T) {
	ev, ok := ParseLine("entered world=wrld_abc instance=1 url=file:///etc/passwd", testNow)
	require.True(t, ok)
	assert.Empty(t, ev.(WorldEntered).RawURL)
	assert.Equal(t, AccessUnknown, ev.(WorldEntered).Access)
}

func TestInstanceTags_Access(t *testing.T) {
	tests := []struct {
		instance string
		want     Access
	}{
		{"12345", AccessPublic},
		{"12345~region(jp)", AccessPublic},
		{"12345~hidden(usr_a)~region(eu)", AccessFriendsPlus},
		{"12345~friends(usr_a)", AccessFriends},
		{"12345~private(usr_a)", AccessInvite},
		{"12345~private(usr_a)~canRequestInvite", AccessInvitePlus},
		{"12345~group(grp_a)~groupAccessType(public)", AccessGroupPublic},
		{"12345~group(grp_a)~groupAccessType(plus)", AccessGroupPlus},
		{"12345~group(grp_a)~groupAccessType(members)", AccessGroup},
		{"12345~broken(~region(us)", AccessPublic},
	}
	for _, tt := range tests {
		t.Run(tt.instance, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseInstanceTags(tt.instance).Access())
		})
	}
}

func TestParseInstanceTags_Region(t *testing.T) {
	tags := ParseInstanceTags("777~region(use)~nonce(abc)")
	assert.Equal(t, "777", tags.Name)
	assert.Equal(t, "use", tags.Region)
	assert.Equal(t, "abc", tags.Get("nonce"))
	assert.False(t, tags.Has("private"))
}
