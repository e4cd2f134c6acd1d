package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"
)

// TimestampLayout is how timestamps are stored in the news table. Values
// are normalised to UTC, so string order equals chronological order.
const TimestampLayout = "2006-01-02 15:04:05-07:00"

// ErrInvalidRecord is returned when a record misses a required field
var ErrInvalidRecord = errors.New("invalid record")

// Record is a single persisted channel message
type Record struct {
	ID          int64     `json:"id"`
	Channel     string    `json:"tg_ch_name"`
	Timestamp   time.Time `json:"timestamp"`
	Text        string    `json:"text"`
	MessageLink string    `json:"message_link,omitempty"` // Empty when the source had no permalink
	MessageID   string    `json:"message_id,omitempty"`   // Trailing path segment of MessageLink
}

// DocumentID returns the identifier used for the record inside the vector
// index: the message id when known, otherwise a content hash so that
// link-less records from one channel never collapse onto a single key.
func (r *Record) DocumentID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	h := sha1.Sum([]byte(FormatTimestamp(r.Timestamp) + "|" + r.Text))
	return "h" + hex.EncodeToString(h[:8])
}

// FormatTimestamp renders t the way it is stored
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseStoredTimestamp parses a value written by FormatTimestamp. Rows
// written by older revisions may use a "T" separator or no offset.
func ParseStoredTimestamp(value string) (time.Time, error) {
	var err error
	for _, layout := range []string{TimestampLayout, "2006-01-02 15:04:05-0700", time.RFC3339, "2006-01-02 15:04:05"} {
		var t time.Time
		t, err = time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// MessageIDFromLink derives the message id from a permalink such as
// https://t.me/channel/1234 → "1234". Returns "" for an empty link.
func MessageIDFromLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	path := link
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}
