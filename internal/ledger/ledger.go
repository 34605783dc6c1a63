// Package ledger records tournament match results in an external integrity log.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRejected is returned when the ledger answers with a non-success status.
var ErrRejected = errors.New("ledger rejected entry")

// Entry is the result of one match as submitted to the ledger.
type Entry struct {
	MatchID      string    `json:"match_id"`
	TournamentID string    `json:"tournament_id,omitempty"`
	Player1      string    `json:"player_1"`
	Player2      string    `json:"player_2"`
	Score1       int       `json:"score_1"`
	Score2       int       `json:"score_2"`
	Winner       string    `json:"winner"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Recorder submits results to a ledger.
type Recorder interface {
	RecordMatch(ctx context.Context, entry Entry) error
}

// Nop discards every entry.
type Nop struct{}

// RecordMatch implements Recorder.
func (Nop) RecordMatch(context.Context, Entry) error { return nil }

// HTTPRecorder posts entries as JSON to a ledger gateway.
type HTTPRecorder struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewHTTPRecorder builds a recorder for url. timeout bounds each request.
func NewHTTPRecorder(url, token string, timeout time.Duration) *HTTPRecorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRecorder{
		URL:   strings.TrimSpace(url),
		Token: token,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// New returns an HTTPRecorder when url is set and Nop otherwise.
func New(url, token string, timeout time.Duration) Recorder {
	if strings.TrimSpace(url) == "" {
		return Nop{}
	}
	return NewHTTPRecorder(url, token, timeout)
}

// RecordMatch implements Recorder.
func (r *HTTPRecorder) RecordMatch(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("record match %s: %w", entry.MatchID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
