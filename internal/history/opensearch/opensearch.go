package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/moshouhot/CodePilot/internal/history"
)

// Sink indexes backend lifecycle events into OpenSearch. Each event becomes
// one document whose id is derived from its run, so the events of a single
// backend run sort and group together and a retried send does not duplicate.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document is the indexed shape of a history.Event.
type document struct {
	Timestamp  time.Time `json:"@timestamp"`
	EventType  string    `json:"event_type"`
	Backend    string    `json:"backend"`
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Terminal   bool      `json:"terminal"`
}

func toDocument(e history.Event) document {
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return document{
		Timestamp:  ts.UTC(),
		EventType:  string(e.Type),
		Backend:    e.Name,
		RunID:      e.RunID,
		PID:        e.PID,
		Port:       e.Port,
		ExitCode:   e.ExitCode,
		Detail:     e.Detail,
		DurationMS: e.DurationMS,
		Terminal:   e.Type == history.EventFailed || e.Type == history.EventExit || e.Type == history.EventStop,
	}
}

// docID keys a document by run, event type and time. Events recorded before
// a run id exists fall under "unassigned".
func docID(d document) string {
	run := d.RunID
	if run == "" {
		run = "unassigned"
	}
	return fmt.Sprintf("%s-%s-%d", run, d.EventType, d.Timestamp.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	d := toDocument(e)
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s?op_type=create", s.baseURL, url.PathEscape(s.index), url.PathEscape(docID(d)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	// 409 means a previous attempt already stored this document.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
