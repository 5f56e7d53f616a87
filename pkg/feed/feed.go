// Package feed holds the feed data model and its key-value layout.
//
// A feed turns newsletters sent to one inbound address into an RSS feed.
// This package only knows how those records are stored; deleting them is the
// job of package purge.
package feed

import (
	"errors"
	"time"
)

// MaxMetadataEntries caps the per-feed metadata index.
const MaxMetadataEntries = 50

var (
	// ErrFeedNotFound is returned when a feed has no config record.
	ErrFeedNotFound = errors.New("feed not found")

	// ErrEmailNotFound is returned when an email record does not exist.
	ErrEmailNotFound = errors.New("email not found")
)

// Feed is the configuration record stored at ConfigKey(ID).
type Feed struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	AllowedSenders []string  `json:"allowedSenders,omitempty"`
	SiteURL        string    `json:"siteUrl,omitempty"`
	FeedURL        string    `json:"feedUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IndexEntry is one element of the global feed list.
type IndexEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// MetadataEntry summarises one email in a feed's metadata index.
type MetadataEntry struct {
	Key        string    `json:"key"`
	Subject    string    `json:"subject"`
	From       string    `json:"from,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Email is a stored inbound email.
type Email struct {
	Key        string            `json:"key"`
	FeedID     string            `json:"feedId"`
	From       string            `json:"from"`
	Subject    string            `json:"subject"`
	Content    string            `json:"content"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// Input carries the caller-settable fields of a new feed.
type Input struct {
	Title          string
	Description    string
	AllowedSenders []string
	SiteURL        string
}
