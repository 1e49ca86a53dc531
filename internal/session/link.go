package session

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNotRoomLink is returned by ParseLink when the address does not point at
// a room.
var ErrNotRoomLink = errors.New("session: not a room link")

// roomSegment precedes the escaped room key in a room link path.
const roomSegment = "/room/"

// Link is what a room address carries: the room key and, when the link was
// produced by the entry form, the display name to join with.
type Link struct {
	Room string
	Name string
}

// RoomLink returns base extended with /room/<escaped room>. name is added as
// a query parameter when non-empty.
func RoomLink(base *url.URL, room, name string) *url.URL {
	u := *base
	prefix := strings.TrimSuffix(base.Path, "/")
	u.Path = prefix + roomSegment + room
	u.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + roomSegment + url.PathEscape(room)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	if name != "" {
		u.RawQuery = url.Values{"name": {name}}.Encode()
	}
	return &u
}

// ParseLink extracts the room key and optional name from a room link.
func ParseLink(u *url.URL) (Link, error) {
	if u == nil {
		return Link{}, ErrNotRoomLink
	}
	p := strings.TrimSuffix(u.EscapedPath(), "/")
	i := strings.LastIndex(p, roomSegment)
	if i < 0 {
		return Link{}, ErrNotRoomLink
	}
	seg := p[i+len(roomSegment):]
	if seg == "" || strings.Contains(seg, "/") {
		return Link{}, ErrNotRoomLink
	}
	room, err := url.PathUnescape(seg)
	if err != nil || strings.TrimSpace(room) == "" {
		return Link{}, ErrNotRoomLink
	}
	return Link{Room: room, Name: u.Query().Get("name")}, nil
}

// Scrub returns a copy of u without the name parameter. Every other part of
// the address is preserved.
func Scrub(u *url.URL) *url.URL {
	out := *u
	q := out.Query()
	if !q.Has("name") {
		return &out
	}
	q.Del("name")
	out.RawQuery = q.Encode()
	return &out
}
