package chat

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough of a PNG signature for media type sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestNewTextMessage(t *testing.T) {
	msg, err := NewTextMessage("Ghost", "  hello there \n")
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "Ghost", msg.Sender)
	assert.Equal(t, KindText, msg.Type)
	assert.Equal(t, "hello there", msg.Text)
	assert.Empty(t, msg.ImageURL)
	assert.Positive(t, msg.Timestamp)
	assert.NoError(t, msg.Validate())
}

func TestNewTextMessage_RejectsBlank(t *testing.T) {
	for _, body := range []string{"", " ", "\t\n", "   \r\n  "} {
		_, err := NewTextMessage("Ghost", body)
		assert.ErrorIs(t, err, ErrEmptyText, "body %q", body)
		assert.True(t, IsValidationError(err))
	}
}

func TestNewTextMessage_UniqueIDs(t *testing.T) {
	a, err := NewTextMessage("a", "one")
	require.NoError(t, err)
	b, err := NewTextMessage("a", "one")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNewImageMessage(t *testing.T) {
	blob := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 64)...)

	msg, err := NewImageMessage("Ghost", blob)
	require.NoError(t, err)
	assert.Equal(t, KindImage, msg.Type)
	assert.Empty(t, msg.Text)
	assert.True(t, strings.HasPrefix(msg.ImageURL, "data:image/png;base64,"), msg.ImageURL[:32])

	mediaType, decoded, err := DecodeImage(msg.ImageURL)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mediaType)
	assert.Equal(t, blob, decoded)
	assert.NoError(t, msg.Validate())
}

func TestNewImageMessage_SizeLimit(t *testing.T) {
	_, err := NewImageMessage("Ghost", make([]byte, MaxImageBytes))
	require.NoError(t, err, "exactly 2 MiB is allowed")

	_, err = NewImageMessage("Ghost", make([]byte, MaxImageBytes+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.True(t, IsValidationError(err))

	_, err = NewImageMessage("Ghost", nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestEncodeImage_UnknownContent(t *testing.T) {
	url := EncodeImage([]byte("just some text"))
	assert.True(t, strings.HasPrefix(url, "data:application/octet-stream;base64,"))
}

func TestValidate(t *testing.T) {
	img, err := NewImageMessage("a", pngHeader)
	require.NoError(t, err)

	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"text", Message{ID: "1", Type: KindText, Text: "hi"}, true},
		{"image", img, true},
		{"missing id", Message{Type: KindText, Text: "hi"}, false},
		{"blank text", Message{ID: "1", Type: KindText, Text: "  "}, false},
		{"text with image", Message{ID: "1", Type: KindText, Text: "hi", ImageURL: img.ImageURL}, false},
		{"image with text", Message{ID: "1", Type: KindImage, Text: "hi", ImageURL: img.ImageURL}, false},
		{"image not data url", Message{ID: "1", Type: KindImage, ImageURL: "https://example.com/a.png"}, false},
		{"image bad base64", Message{ID: "1", Type: KindImage, ImageURL: "data:image/png;base64,***"}, false},
		{"unknown kind", Message{ID: "1", Type: "video", Text: "hi"}, false},
		{"oversized image", Message{ID: "1", Type: KindImage, ImageURL: EncodeImage(make([]byte, MaxImageBytes+10))}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestMessageJSONShape(t *testing.T) {
	msg := Message{ID: "abc", Sender: "Ghost", Timestamp: 1700000000000, Type: KindText, Text: "hi"}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","sender":"Ghost","timestamp":1700000000000,"type":"text","text":"hi"}`, string(data))

	img := Message{ID: "abc", Sender: "Ghost", Timestamp: 1, Type: KindImage, ImageURL: "data:image/png;base64,AA=="}
	data, err = json.Marshal(img)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","sender":"Ghost","timestamp":1,"type":"image","imageUrl":"data:image/png;base64,AA=="}`, string(data))
}

func TestLinks(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"meet at https://example.com/x, ok?", []string{"https://example.com/x"}},
		{"see www.example.org.", []string{"www.example.org"}},
		{"version v2.0 and pi 3.14", nil},
		{"two: http://a.io and example.dev/path", []string{"http://a.io", "example.dev/path"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Links(tc.text), tc.text)
	}
}
