package store

import (
	"errors"
	"fmt"
	"strings"
)

// ContentType is the closed set of message payload kinds.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
)

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentImage, ContentAudio, ContentVideo, ContentDocument:
		return true
	}
	return false
}

// Content is a message payload. The set of implementations is closed:
// Text, Image, Audio, Video and Document.
type Content interface {
	Type() ContentType
	sealed()
}

type Text struct{ Body string }

type Image struct {
	Ref     string
	Caption string
}

type Audio struct{ Ref string }

type Video struct {
	Ref     string
	Caption string
}

type Document struct {
	Ref      string
	FileName string
	Caption  string
}

func (Text) Type() ContentType     { return ContentText }
func (Image) Type() ContentType    { return ContentImage }
func (Audio) Type() ContentType    { return ContentAudio }
func (Video) Type() ContentType    { return ContentVideo }
func (Document) Type() ContentType { return ContentDocument }

func (Text) sealed()     {}
func (Image) sealed()    {}
func (Audio) sealed()    {}
func (Video) sealed()    {}
func (Document) sealed() {}

var errContent = errors.New("invalid content")

// NewContent builds the variant for ct from flat fields, rejecting fields
// that do not belong to the variant.
func NewContent(ct ContentType, text, mediaRef, fileName string) (Content, error) {
	text = strings.TrimSpace(text)
	mediaRef = strings.TrimSpace(mediaRef)
	switch ct {
	case ContentText:
		if text == "" {
			return nil, fmt.Errorf("%w: text message requires text", errContent)
		}
		if mediaRef != "" || fileName != "" {
			return nil, fmt.Errorf("%w: text message cannot carry media", errContent)
		}
		return Text{Body: text}, nil
	case ContentImage, ContentVideo, ContentAudio, ContentDocument:
		if mediaRef == "" {
			return nil, fmt.Errorf("%w: %s message requires media_ref", errContent, ct)
		}
	default:
		return nil, fmt.Errorf("%w: unknown content type %q", errContent, ct)
	}

	if fileName != "" && ct != ContentDocument {
		return nil, fmt.Errorf("%w: file_name only applies to documents", errContent)
	}
	switch ct {
	case ContentImage:
		return Image{Ref: mediaRef, Caption: text}, nil
	case ContentVideo:
		return Video{Ref: mediaRef, Caption: text}, nil
	case ContentAudio:
		if text != "" {
			return nil, fmt.Errorf("%w: audio message cannot carry text", errContent)
		}
		return Audio{Ref: mediaRef}, nil
	default:
		return Document{Ref: mediaRef, FileName: fileName, Caption: text}, nil
	}
}

// Flatten is the inverse of NewContent, producing the persisted columns.
func Flatten(c Content) (ct ContentType, text, mediaRef, fileName string) {
	switch v := c.(type) {
	case Text:
		return ContentText, v.Body, "", ""
	case Image:
		return ContentImage, v.Caption, v.Ref, ""
	case Audio:
		return ContentAudio, "", v.Ref, ""
	case Video:
		return ContentVideo, v.Caption, v.Ref, ""
	case Document:
		return ContentDocument, v.Caption, v.Ref, v.FileName
	}
	return "", "", "", ""
}

// IsContentError reports whether err came from NewContent validation.
func IsContentError(err error) bool { return errors.Is(err, errContent) }
