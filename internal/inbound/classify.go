package inbound

import (
	"regexp"
	"strings"

	"deskbot/internal/domain"
	"deskbot/internal/transport"
)

// Labels stand in for the body of an attachment sent without a caption.
type Labels struct {
	Image string
	File  string
	Video string
}

func DefaultLabels() Labels {
	return Labels{Image: "Image", File: "File", Video: "Video"}
}

func (l Labels) withDefaults() Labels {
	def := DefaultLabels()
	if strings.TrimSpace(l.Image) == "" {
		l.Image = def.Image
	}
	if strings.TrimSpace(l.File) == "" {
		l.File = def.File
	}
	if strings.TrimSpace(l.Video) == "" {
		l.Video = def.Video
	}
	return l
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"]+`)

// Classify derives the message kind: media by attachment type, text with a
// URL as LINK, anything else as TEXT.
func Classify(ev Event, labels Labels) domain.Payload {
	labels = labels.withDefaults()
	text := strings.TrimSpace(ev.Text)
	if ev.AttachmentRef != "" {
		p := domain.Payload{AttachmentRef: ev.AttachmentRef, Body: text}
		switch ev.AttachmentKind {
		case transport.MediaPhoto:
			p.Kind = domain.KindImage
			if p.Body == "" {
				p.Body = labels.Image
			}
			return p
		case transport.MediaVideo:
			p.Kind = domain.KindVideo
			if p.Body == "" {
				p.Body = labels.Video
			}
			return p
		default:
			p.Kind = domain.KindFile
			if p.Body == "" {
				p.Body = labels.File
			}
			return p
		}
	}
	if linkPattern.MatchString(text) {
		return domain.Payload{Kind: domain.KindLink, Body: text}
	}
	return domain.Payload{Kind: domain.KindText, Body: text}
}
