package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/store/kv"
)

// Repository reads and writes feed records.
//
// Shared records (the global feed index and each feed's metadata index) are
// updated with kv.Update, so concurrent writers never silently overwrite each
// other's changes.
//
// Thread Safety:
// Safe for concurrent use; all state lives in the store.
type Repository struct {
	store kv.Store
	now   func() time.Time
}

// NewRepository creates a repository over store.
func NewRepository(store kv.Store) *Repository {
	return &Repository{
		store: store,
		now:   time.Now,
	}
}

// Store returns the underlying key-value store.
func (r *Repository) Store() kv.Store {
	return r.store
}

// ============================================================================
// Feeds
// ============================================================================

// CreateFeed stores a new feed and appends it to the global index.
//
// The config record is written first: a crash between the two writes leaves
// a feed that is reachable by id but missing from the list, never the reverse.
func (r *Repository) CreateFeed(ctx context.Context, in Input) (*Feed, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("feed title is required")
	}

	now := r.now().UTC()
	id := uuid.NewString()
	f := &Feed{
		ID:             id,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		AllowedSenders: in.AllowedSenders,
		SiteURL:        in.SiteURL,
		FeedURL:        FeedPath(id),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feed: %w", err)
	}
	if err := r.store.PutIfVersion(ctx, ConfigKey(f.ID), data, kv.NoVersion); err != nil {
		return nil, fmt.Errorf("failed to write feed config: %w", err)
	}

	entry := IndexEntry{ID: f.ID, Title: f.Title, Description: f.Description}
	err = kv.Update(ctx, r.store, IndexKey, func(current []byte, exists bool) ([]byte, error) {
		entries, err := decodeIndex(current, exists)
		if err != nil {
			return nil, err
		}
		return json.Marshal(append(entries, entry))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add feed to index: %w", err)
	}

	logger.Info("Feed created: id=%s title=%q", f.ID, f.Title)
	return f, nil
}

// GetFeed loads a feed's config record.
//
// Returns ErrFeedNotFound if the feed does not exist.
func (r *Repository) GetFeed(ctx context.Context, id string) (*Feed, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	data, err := r.store.Get(ctx, ConfigKey(id))
	if kv.IsNotFound(err) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, err
	}

	var f Feed
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt feed config %s: %w", id, err)
	}
	return &f, nil
}

// FeedExists reports whether the feed's config record exists.
func (r *Repository) FeedExists(ctx context.Context, id string) (bool, error) {
	_, err := r.store.Get(ctx, ConfigKey(id))
	if kv.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListFeeds returns the global feed index.
func (r *Repository) ListFeeds(ctx context.Context) ([]IndexEntry, error) {
	data, err := r.store.Get(ctx, IndexKey)
	if kv.IsNotFound(err) {
		return []IndexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeIndex(data, true)
}

// IsIndexed reports whether id is listed in the global feed index.
func (r *Repository) IsIndexed(ctx context.Context, id string) (bool, error) {
	entries, err := r.ListFeeds(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(entries, func(e IndexEntry) bool { return e.ID == id }), nil
}

// RemoveFromIndex drops ids from the global feed index in one write.
//
// Returns the ids that were present. Ids not in the index are ignored, so
// the call is idempotent.
func (r *Repository) RemoveFromIndex(ctx context.Context, ids ...string) ([]string, error) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	var removed []string
	err := kv.Update(ctx, r.store, IndexKey, func(current []byte, exists bool) ([]byte, error) {
		removed = removed[:0]
		if !exists {
			return nil, kv.ErrNoChange
		}

		entries, err := decodeIndex(current, exists)
		if err != nil {
			return nil, err
		}

		kept := entries[:0]
		for _, entry := range entries {
			if _, ok := drop[entry.ID]; ok {
				removed = append(removed, entry.ID)
				continue
			}
			kept = append(kept, entry)
		}
		if len(removed) == 0 {
			return nil, kv.ErrNoChange
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update feed index: %w", err)
	}

	return removed, nil
}

// ============================================================================
// Emails
// ============================================================================

// AddEmail stores an email under the feed and records it in the metadata index.
//
// The email record is written before the index, so the index never points at
// a record that was never stored. The index keeps the newest
// MaxMetadataEntries entries; older emails stay in the store and are still
// found by a prefix purge.
func (r *Repository) AddEmail(ctx context.Context, feedID string, email Email) (*Email, error) {
	exists, err := r.FeedExists(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrFeedNotFound
	}

	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = r.now()
	}
	email.ReceivedAt = email.ReceivedAt.UTC()
	email.FeedID = feedID

	// Two emails received in the same nanosecond get adjacent keys.
	at := email.ReceivedAt
	for attempt := 0; ; attempt++ {
		email.Key = EmailKey(feedID, at)

		data, err := json.Marshal(&email)
		if err != nil {
			return nil, fmt.Errorf("failed to encode email: %w", err)
		}

		err = r.store.PutIfVersion(ctx, email.Key, data, kv.NoVersion)
		if err == nil {
			break
		}
		if !kv.IsVersionConflict(err) || attempt >= 8 {
			return nil, fmt.Errorf("failed to write email: %w", err)
		}
		at = at.Add(time.Nanosecond)
	}

	entry := MetadataEntry{
		Key:        email.Key,
		Subject:    email.Subject,
		From:       email.From,
		ReceivedAt: email.ReceivedAt,
	}
	err = kv.Update(ctx, r.store, MetaKey(feedID), func(current []byte, exists bool) ([]byte, error) {
		entries, err := decodeMetadata(current, exists)
		if err != nil {
			return nil, err
		}
		entries = append([]MetadataEntry{entry}, entries...)
		if len(entries) > MaxMetadataEntries {
			entries = entries[:MaxMetadataEntries]
		}
		return json.Marshal(entries)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update metadata index: %w", err)
	}

	logger.Debug("Email stored: feed=%s key=%s", feedID, email.Key)
	return &email, nil
}

// GetEmail loads an email record.
//
// Returns ErrEmailNotFound if the record does not exist.
func (r *Repository) GetEmail(ctx context.Context, key string) (*Email, error) {
	data, err := r.store.Get(ctx, key)
	if kv.IsNotFound(err) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, err
	}

	var email Email
	if err := json.Unmarshal(data, &email); err != nil {
		return nil, fmt.Errorf("corrupt email %s: %w", key, err)
	}
	return &email, nil
}

// GetMetadataIndex returns the feed's metadata index, newest first.
// A missing index is returned as an empty slice.
func (r *Repository) GetMetadataIndex(ctx context.Context, feedID string) ([]MetadataEntry, error) {
	data, err := r.store.Get(ctx, MetaKey(feedID))
	if kv.IsNotFound(err) {
		return []MetadataEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMetadata(data, true)
}

// RemoveFromMetadataIndex drops keys from the feed's metadata index in one write.
//
// A missing index is left missing: recreating it would resurrect a record of
// a feed that is being deleted.
func (r *Repository) RemoveFromMetadataIndex(ctx context.Context, feedID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	err := kv.Update(ctx, r.store, MetaKey(feedID), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, kv.ErrNoChange
		}

		entries, err := decodeMetadata(current, exists)
		if err != nil {
			return nil, err
		}

		before := len(entries)
		kept := slices.DeleteFunc(entries, func(e MetadataEntry) bool {
			return slices.Contains(keys, e.Key)
		})
		if len(kept) == before {
			return nil, kv.ErrNoChange
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return fmt.Errorf("failed to update metadata index: %w", err)
	}
	return nil
}

func decodeIndex(data []byte, exists bool) ([]IndexEntry, error) {
	if !exists || len(data) == 0 {
		return []IndexEntry{}, nil
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt feed index: %w", err)
	}
	if entries == nil {
		entries = []IndexEntry{}
	}
	return entries, nil
}

func decodeMetadata(data []byte, exists bool) ([]MetadataEntry, error) {
	if !exists || len(data) == 0 {
		return []MetadataEntry{}, nil
	}
	var entries []MetadataEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt metadata index: %w", err)
	}
	if entries == nil {
		entries = []MetadataEntry{}
	}
	return entries, nil
}
