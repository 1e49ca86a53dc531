// Package chat defines the message entity exchanged inside rooms and the
// validation rules applied when a message is constructed or relayed.
package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// MaxImageBytes is the largest image blob accepted before encoding (2 MiB).
const MaxImageBytes = 2 << 20

// Kind is the message variant tag.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

var (
	ErrEmptyText       = errors.New("message text is empty")
	ErrEmptyImage      = errors.New("image payload is empty")
	ErrPayloadTooLarge = fmt.Errorf("image exceeds %d byte limit", MaxImageBytes)
	ErrInvalidMessage  = errors.New("invalid message")
)

// Message is immutable once created. Exactly one of Text or ImageURL is set,
// matching Type.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"` // ms since epoch, client-assigned
	Type      Kind   `json:"type"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// NewTextMessage builds a text message from a trimmed body. Whitespace-only
// bodies are rejected with ErrEmptyText.
func NewTextMessage(sender, text string) (Message, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return Message{}, ErrEmptyText
	}
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
		Type:      KindText,
		Text:      body,
	}, nil
}

// NewImageMessage builds an image message carrying blob inline as a data URL.
// Blobs over MaxImageBytes are rejected with ErrPayloadTooLarge.
func NewImageMessage(sender string, blob []byte) (Message, error) {
	if len(blob) == 0 {
		return Message{}, ErrEmptyImage
	}
	if len(blob) > MaxImageBytes {
		return Message{}, ErrPayloadTooLarge
	}
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
		Type:      KindImage,
		ImageURL:  EncodeImage(blob),
	}, nil
}

// EncodeImage returns blob as a base64 data URL. The media type is sniffed
// from the content; anything that is not an image is labelled as an opaque
// octet stream.
func EncodeImage(blob []byte) string {
	mediaType := "application/octet-stream"
	if mt := mimetype.Detect(blob); strings.HasPrefix(mt.String(), "image/") {
		mediaType = mt.String()
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(blob)
}

// DecodeImage extracts the media type and raw bytes from a data URL produced
// by EncodeImage.
func DecodeImage(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: image is not a data url", ErrInvalidMessage)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed data url", ErrInvalidMessage)
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: data url is not base64", ErrInvalidMessage)
	}
	blob, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: decode image: %v", ErrInvalidMessage, err)
	}
	return mediaType, blob, nil
}

// Validate checks the tagged-union shape of a message received from the
// wire. It does not sanitize content.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	switch m.Type {
	case KindText:
		if m.ImageURL != "" {
			return fmt.Errorf("%w: text message carries an image", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, ErrEmptyText)
		}
	case KindImage:
		if m.Text != "" {
			return fmt.Errorf("%w: image message carries text", ErrInvalidMessage)
		}
		if m.ImageURL == "" {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, ErrEmptyImage)
		}
		// Cheap upper bound before decoding: base64 grows by 4/3.
		if len(m.ImageURL) > base64.StdEncoding.EncodedLen(MaxImageBytes)+256 {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, ErrPayloadTooLarge)
		}
		_, blob, err := DecodeImage(m.ImageURL)
		if err != nil {
			return err
		}
		if len(blob) > MaxImageBytes {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, ErrPayloadTooLarge)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Time returns the creation instant.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// IsValidationError reports whether err was raised by message construction
// or validation, as opposed to a transport or persistence failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyText) ||
		errors.Is(err, ErrEmptyImage) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrInvalidMessage)
}
