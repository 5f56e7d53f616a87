package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/purge"
)

// ============================================================================
// Feeds
// ============================================================================

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.repo.ListFeeds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title          string   `json:"title"`
		Description    string   `json:"description"`
		AllowedSenders []string `json:"allowedSenders"`
		SiteURL        string   `json:"siteUrl"`
	}
	if err := decodeJSON(w, r, s.config.MaxBodyBytes, &req, false); err != nil {
		s.decodeFailed(w, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		badRequest(w, "title is required")
		return
	}

	f, err := s.repo.CreateFeed(r.Context(), feed.Input{
		Title:          req.Title,
		Description:    req.Description,
		AllowedSenders: req.AllowedSenders,
		SiteURL:        req.SiteURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	if err := feed.ValidateID(feedID); err != nil {
		badRequest(w, err.Error())
		return
	}

	f, err := s.repo.GetFeed(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleDeleteFeed runs a fast delete and schedules the background purge.
// Browser form posts get a 303 back to the feed list; ?format=json returns
// the outcome instead.
func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")

	existed, err := s.engine.DeleteFeed(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") != "json" {
		http.Redirect(w, r, "/feeds", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feedId":  feedID,
		"existed": existed,
	})
}

func (s *Server) handleBulkDeleteFeeds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedIDs []string `json:"feedIds"`
	}
	if err := decodeJSON(w, r, s.config.MaxBodyBytes, &req, false); err != nil {
		s.decodeFailed(w, err)
		return
	}

	result, err := s.engine.BulkDeleteFeeds(r.Context(), req.FeedIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// Emails
// ============================================================================

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	if err := feed.ValidateID(feedID); err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := s.repo.GetMetadataIndex(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": entries})
}

// handleAddEmail stores an already-parsed inbound email. Sender checks happen
// before this route is called.
func (s *Server) handleAddEmail(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	if err := feed.ValidateID(feedID); err != nil {
		badRequest(w, err.Error())
		return
	}

	var req struct {
		From    string            `json:"from"`
		Subject string            `json:"subject"`
		Content string            `json:"content"`
		Headers map[string]string `json:"headers"`
	}
	if err := decodeJSON(w, r, s.config.MaxBodyBytes, &req, false); err != nil {
		s.decodeFailed(w, err)
		return
	}

	email, err := s.repo.AddEmail(r.Context(), feedID, feed.Email{
		From:    req.From,
		Subject: req.Subject,
		Content: req.Content,
		Headers: req.Headers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, email)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	key, err := url.PathUnescape(chi.URLParam(r, "emailKey"))
	if err != nil {
		badRequest(w, "malformed email key")
		return
	}

	if err := s.engine.DeleteEmail(r.Context(), feedID, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feedId":   feedID,
		"emailKey": key,
		"deleted":  true,
	})
}

func (s *Server) handleBulkDeleteEmails(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")

	var req struct {
		EmailKeys []string `json:"emailKeys"`
	}
	if err := decodeJSON(w, r, s.config.MaxBodyBytes, &req, false); err != nil {
		s.decodeFailed(w, err)
		return
	}

	result, err := s.engine.BulkDeleteEmails(r.Context(), feedID, req.EmailKeys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// Purge
// ============================================================================

// purgeStepResponse is the progress report of one purge step.
type purgeStepResponse struct {
	DeletedCount int      `json:"deletedCount"`
	FailedCount  int      `json:"failedCount"`
	FailedKeys   []string `json:"failedKeys,omitempty"`
	Cursor       string   `json:"cursor"`
	IsComplete   bool     `json:"isComplete"`
}

// handlePurgeStep runs one step of a feed's content purge. Clients loop with
// the returned cursor until isComplete.
func (s *Server) handlePurgeStep(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")

	var req struct {
		Cursor string `json:"cursor"`
		Limit  int    `json:"limit"`
	}
	if err := decodeJSON(w, r, s.config.MaxBodyBytes, &req, true); err != nil {
		s.decodeFailed(w, err)
		return
	}

	step, err := s.engine.PurgeStep(r.Context(), feedID, req.Cursor, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeStepResponse{
		DeletedCount: step.DeletedCount(),
		FailedCount:  step.FailedCount(),
		FailedKeys:   step.FailedKeys,
		Cursor:       step.Cursor,
		IsComplete:   step.Complete,
	})
}

func (s *Server) handlePendingPurges(w http.ResponseWriter, r *http.Request) {
	ids, err := s.pending.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedIds": ids})
}

func (s *Server) decodeFailed(w http.ResponseWriter, err error) {
	if err == errBodyTooLarge {
		writeError(w, err)
		return
	}
	badRequest(w, "invalid JSON body: "+err.Error())
}

var _ PendingLister = (*purge.Scheduler)(nil)
