package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Key Schema
// ============================================================================
//
// Everything belonging to one feed lives under "feed:<id>:" so a single
// prefix listing finds it all:
//
//	feed:<id>:config             Feed configuration (JSON)
//	feed:<id>:meta               Metadata index, newest first, max 50 (JSON)
//	feed:<id>:email:<unixnano>   Email record (JSON)
//
// Records shared by all feeds live outside every feed prefix:
//
//	feeds:index                  Global feed list (JSON)
//	purge:pending:<id>           Background purge marker (JSON)
//
// Feed ids never contain ':' so one feed's prefix can never be a prefix of
// another feed's keys.

const (
	keyspace = "feed:"

	// IndexKey holds the global feed list.
	IndexKey = "feeds:index"

	configSuffix = "config"
	metaSuffix   = "meta"
	emailSegment = "email:"
)

// Prefix returns the key prefix owning every record of feed id.
func Prefix(id string) string {
	return keyspace + id + ":"
}

// KeyspacePrefix is the prefix shared by all per-feed keys.
func KeyspacePrefix() string {
	return keyspace
}

// FeedPath returns the canonical path the feed's RSS document is served at,
// relative to the public base URL.
func FeedPath(id string) string {
	return "/rss/" + id
}

// ConfigKey returns the key of the feed's configuration record.
func ConfigKey(id string) string {
	return Prefix(id) + configSuffix
}

// MetaKey returns the key of the feed's metadata index.
func MetaKey(id string) string {
	return Prefix(id) + metaSuffix
}

// EmailKey returns the canonical key for an email received at t.
func EmailKey(id string, t time.Time) string {
	return Prefix(id) + emailSegment + strconv.FormatInt(t.UnixNano(), 10)
}

// ControlKeys returns the config and metadata-index keys of a feed.
func ControlKeys(id string) []string {
	return []string{ConfigKey(id), MetaKey(id)}
}

// IsEmailKeyOf reports whether key is an email record of feed id.
//
// Both the canonical "feed:<id>:email:<ts>" form and the legacy
// "feed:<id>:<ts>" form are accepted.
func IsEmailKeyOf(id, key string) bool {
	rest, ok := strings.CutPrefix(key, Prefix(id))
	if !ok || rest == "" {
		return false
	}
	return rest != configSuffix && rest != metaSuffix
}

// FeedIDFromKey extracts the feed id from any per-feed key.
func FeedIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, keyspace)
	if !ok {
		return "", false
	}
	id, _, found := strings.Cut(rest, ":")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// ValidateID checks that id is usable as a key segment.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("feed id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("feed id is longer than 128 bytes")
	}
	if strings.ContainsAny(id, ":/*?[] \t\r\n") {
		return fmt.Errorf("feed id %q contains reserved characters", id)
	}
	return nil
}
