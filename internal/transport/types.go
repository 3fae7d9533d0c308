// Package transport defines the port to the external messaging channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskbot/internal/domain"
)

type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
)

// Update is one inbound channel message, before classification.
type Update struct {
	Source string
	// EventID is unique per Source; Telegram uses "<chat>:<message>".
	EventID      string
	SenderID     string
	ChatID       string
	SenderName   string
	SenderHandle string
	// Text holds the message text, or the caption for media.
	Text    string
	Media   MediaKind
	FileRef string
	Raw     []byte
	Date    time.Time
}

// Channel sends to and probes the external messaging platform.
type Channel interface {
	SendText(ctx context.Context, target, text string) error
	SendPhoto(ctx context.Context, target, fileRef, caption string) error
	SendDocument(ctx context.Context, target, fileRef, caption string) error
	SendVideo(ctx context.Context, target, fileRef, caption string) error
	// Connectivity returns nil when the platform answers with valid credentials.
	Connectivity(ctx context.Context) error
	// ResolveDownloadURL turns a platform file reference into a fetchable URL.
	ResolveDownloadURL(ctx context.Context, fileRef string) (string, error)
}

// Receiver delivers inbound updates until stopped.
type Receiver interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

var (
	ErrInvalidTarget     = errors.New("invalid target")
	ErrBlocked           = errors.New("recipient blocked the bot")
	ErrRecipientNotFound = errors.New("recipient not found")
)

// RateLimitError reports throttling by the platform.
type RateLimitError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RetryAfter exposes the platform hint to the retry package.
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// IsPermanent reports errors that no retry can fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidTarget) || errors.Is(err, ErrBlocked) || errors.Is(err, ErrRecipientNotFound)
}

func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// SendPayload delivers content of any kind. Attachment kinds send the
// body as caption; TEXT and LINK send the body as text.
func SendPayload(ctx context.Context, ch Channel, target string, p domain.Payload) error {
	ref := p.AttachmentRef
	if ref == "" {
		ref = p.AttachmentURL
	}
	switch p.Kind {
	case domain.KindImage:
		return ch.SendPhoto(ctx, target, ref, p.Body)
	case domain.KindFile:
		return ch.SendDocument(ctx, target, ref, p.Body)
	case domain.KindVideo:
		return ch.SendVideo(ctx, target, ref, p.Body)
	default:
		return ch.SendText(ctx, target, p.Body)
	}
}
