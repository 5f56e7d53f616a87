package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/purge"
)

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var errBodyTooLarge = errors.New("request body too large")

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

// writeError maps err to a status code:
//   - *purge.RequestError: 400, or 413 for ErrCodeBatchTooLarge
//   - feed.ErrFeedNotFound, feed.ErrEmailNotFound: 404
//   - anything else: 500
func writeError(w http.ResponseWriter, err error) {
	var reqErr *purge.RequestError
	switch {
	case errors.As(err, &reqErr):
		status := http.StatusBadRequest
		if reqErr.Code == purge.ErrCodeBatchTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: reqErr.Message, Code: reqErr.Code.String()})
	case errors.Is(err, errBodyTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Code: purge.ErrCodeBatchTooLarge.String()})
	case errors.Is(err, feed.ErrFeedNotFound), errors.Is(err, feed.ErrEmailNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	default:
		logger.Error("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: purge.ErrCodeInvalid.String()})
}

// decodeJSON reads a JSON body of at most limit bytes into dst.
// An empty body leaves dst untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	err := json.NewDecoder(body).Decode(dst)

	var maxErr *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	case errors.As(err, &maxErr):
		return errBodyTooLarge
	default:
		return err
	}
}
