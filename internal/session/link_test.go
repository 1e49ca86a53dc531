package session

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRoomLink(t *testing.T) {
	cases := []struct {
		base, room, name, want string
	}{
		{"https://chat.example", "vault-7", "Ghost", "https://chat.example/room/vault-7?name=Ghost"},
		{"https://chat.example/", "vault-7", "", "https://chat.example/room/vault-7"},
		{"https://chat.example/app", "a/b c", "Ghost Rider", "https://chat.example/app/room/a%2Fb%20c?name=Ghost+Rider"},
		{"https://chat.example?x=1#frag", "r", "", "https://chat.example/room/r"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, RoomLink(mustParse(t, tc.base), tc.room, tc.name).String())
		})
	}
}

func TestParseLink_RoundTrip(t *testing.T) {
	base := mustParse(t, "https://chat.example/app")
	for _, room := range []string{"vault-7", "my room", "a/b", "100%"} {
		link, err := ParseLink(RoomLink(base, room, "Ghost"))
		require.NoError(t, err, room)
		assert.Equal(t, Link{Room: room, Name: "Ghost"}, link)
	}
}

func TestParseLink_Invalid(t *testing.T) {
	for _, raw := range []string{
		"https://chat.example/",
		"https://chat.example/room/",
		"https://chat.example/rooms/vault-7",
		"https://chat.example/room/a/b",
		"https://chat.example/room/%20",
	} {
		_, err := ParseLink(mustParse(t, raw))
		assert.ErrorIs(t, err, ErrNotRoomLink, raw)
	}
	_, err := ParseLink(nil)
	assert.ErrorIs(t, err, ErrNotRoomLink)
}

func TestScrub(t *testing.T) {
	u := mustParse(t, "https://chat.example/room/vault-7?name=Ghost")
	assert.Equal(t, "https://chat.example/room/vault-7", Scrub(u).String())
	assert.Equal(t, "https://chat.example/room/vault-7?name=Ghost", u.String(), "input is not modified")

	plain := mustParse(t, "https://chat.example/room/vault-7?x=1")
	assert.Equal(t, plain.String(), Scrub(plain).String())
}

func TestMemoryAddress(t *testing.T) {
	a := NewMemoryAddress(mustParse(t, "https://chat.example/room/x"))
	cur := a.Current()
	cur.Path = "/changed"
	assert.Equal(t, "/room/x", a.Current().Path, "Current returns a copy")

	a.Replace(mustParse(t, "https://chat.example/room/y"))
	assert.Equal(t, "/room/y", a.Current().Path)
	assert.Equal(t, 1, a.Replacements())
}
