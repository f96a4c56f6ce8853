package models

import (
	"strings"
	"time"
	"unicode"
)

// Note is a free-text annotation. Timestamp is when the message applies,
// CreatedAt is when it was written and may be later.
type Note struct {
	id        string
	message   string
	timestamp time.Time
	createdAt time.Time
}

// NewNote creates a note
func NewNote(id, message string, timestamp, createdAt time.Time) Note {
	return Note{id: id, message: message, timestamp: timestamp, createdAt: createdAt}
}

// ID returns the message id
func (n Note) ID() string { return n.id }

// Message returns the note text
func (n Note) Message() string { return n.message }

// Timestamp returns when the note applies
func (n Note) Timestamp() time.Time { return n.timestamp }

// CreatedAt returns when the note was written
func (n Note) CreatedAt() time.Time { return n.createdAt }

// Contains reports whether the message contains substr, ignoring case
func (n Note) Contains(substr string) bool {
	return strings.Contains(strings.ToLower(n.message), strings.ToLower(substr))
}

// HasTag reports whether the message carries #tag as a whole word.
// The leading '#' on tag is optional.
func (n Note) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	if tag == "" {
		return false
	}
	for _, t := range n.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Tags returns the lowercased hashtags in the message, without '#'
func (n Note) Tags() []string {
	var tags []string
	msg := strings.ToLower(n.message)
	for i := 0; i < len(msg); i++ {
		if msg[i] != '#' {
			continue
		}
		j := i + 1
		for j < len(msg) && isTagRune(rune(msg[j])) {
			j++
		}
		if j > i+1 {
			tags = append(tags, msg[i+1:j])
		}
		i = j - 1
	}
	return tags
}

func isTagRune(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
