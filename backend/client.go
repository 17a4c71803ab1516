// Package backend talks to the record and inference service over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"whisperdeck/log"
	"whisperdeck/metrics"
)

const (
	OpCreate         = "create_record"
	OpGet            = "get_record"
	OpList           = "list_records"
	OpDelete         = "delete_record"
	OpSearch         = "search"
	OpPersistUpdate  = "persist_update"
	OpUpload         = "upload"
	OpDownload       = "download_url"
	OpStartInference = "start_inference"
	OpGetTranscript  = "get_transcript"
	OpGetTerm        = "get_term"
	OpSummary        = "summary"
	OpAsk            = "ask"
)

// UpstreamError reports a failed collaborator call. Status is zero when the
// request never got a response.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

var ErrNotFound = errors.New("record not found")

type Client struct {
	base    *url.URL
	http    *TracedClient
	timeout time.Duration
	metrics *metrics.Metrics
}

// New returns a client for the service at baseURL. m may be nil.
func New(baseURL string, timeout time.Duration, m *metrics.Metrics) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", baseURL)
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Client{base: u, http: NewTracedClient(), timeout: timeout, metrics: m}, nil
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

func (c *Client) do(ctx context.Context, r request, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.UpstreamRequests.WithLabelValues(r.op, outcome).Inc()
		c.metrics.UpstreamDuration.WithLabelValues(r.op).Observe(time.Since(start).Seconds())
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), bytes.NewReader(r.body))
	if err != nil {
		return &UpstreamError{Op: r.op, Err: err}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Op: r.op, Err: err}
	}
	log.Upstream(r.op, reqID, resp.StatusCode, resp.Timing.Total, resp.Timing.TTFB, resp.Timing.ConnReused)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Op: r.op, Status: resp.StatusCode, Err: errors.New(detail(resp.Body))}
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &UpstreamError{Op: r.op, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// detail pulls the message out of an error body, falling back to the
// first part of the raw text.
func detail(body []byte) string {
	var v struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &v); err == nil && v.Detail != nil {
		if s, ok := v.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(v.Detail)
		return string(b)
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func id(n int64) string { return strconv.FormatInt(n, 10) }

func (c *Client) CreateRecord(ctx context.Context, n NewRecord) (*Record, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var rec Record
	err = c.do(ctx, request{op: OpCreate, method: http.MethodPost, path: "audio/normal", body: body, contentType: "application/json"}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) GetRecord(ctx context.Context, recordID int64) (*Record, error) {
	var rec Record
	err := c.do(ctx, request{op: OpGet, method: http.MethodGet, path: "audio/" + id(recordID)}, &rec)
	if err != nil {
		var up *UpstreamError
		if errors.As(err, &up) && up.Status == http.StatusNotFound {
			return nil, fmt.Errorf("record %d: %w", recordID, ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns every record. The service answers 404 when there
// are none, which is reported as an empty list.
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := c.do(ctx, request{op: OpList, method: http.MethodGet, path: "audio"}, &recs)
	if err != nil {
		var up *UpstreamError
		if errors.As(err, &up) && up.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

func (c *Client) DeleteRecord(ctx context.Context, recordID int64) error {
	return c.do(ctx, request{op: OpDelete, method: http.MethodDelete, path: "audio/" + id(recordID)}, nil)
}

func (c *Client) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("start_date", q.StartDate)
	set("end_date", q.EndDate)
	set("title", q.Title)
	set("info", q.Info)
	set("term", q.Term)
	set("transcript", q.Transcript)

	var recs []Record
	if err := c.do(ctx, request{op: OpSearch, method: http.MethodGet, path: "audio/db/search", query: v}, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// PersistUpdate merges u into the stored record.
func (c *Client) PersistUpdate(ctx context.Context, u RecordUpdate) error {
	if err := u.Validate(); err != nil {
		return &UpstreamError{Op: OpPersistUpdate, Err: err}
	}
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return c.do(ctx, request{op: OpPersistUpdate, method: http.MethodPut, path: "audio/" + id(u.ID), body: body, contentType: "application/json"}, nil)
}

// Upload stores blob as <dir>/<id>.<format>.
func (c *Client) Upload(ctx context.Context, recordID int64, dir, format string, blob []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("dir", dir)
	writer.WriteField("file_type", format)
	part, err := writer.CreateFormFile("file", id(recordID)+"."+format)
	if err != nil {
		return err
	}
	if _, err := part.Write(blob); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return c.do(ctx, request{
		op:          OpUpload,
		method:      http.MethodPost,
		path:        "audio/" + id(recordID) + "/upload",
		body:        body.Bytes(),
		contentType: writer.FormDataContentType(),
	}, nil)
}

// DownloadURL asks for a short-lived signed URL for an uploaded file.
func (c *Client) DownloadURL(ctx context.Context, recordID int64, dir, format string) (string, error) {
	var out struct {
		DownloadURL string `json:"download_url"`
	}
	q := url.Values{"dir": {dir}, "file_type": {format}}
	if err := c.do(ctx, request{op: OpDownload, method: http.MethodGet, path: "audio/" + id(recordID) + "/download", query: q}, &out); err != nil {
		return "", err
	}
	if out.DownloadURL == "" {
		return "", &UpstreamError{Op: OpDownload, Err: errors.New("response has no download_url")}
	}
	return out.DownloadURL, nil
}

func (c *Client) StartInference(ctx context.Context, recordID int64) error {
	return c.do(ctx, request{op: OpStartInference, method: http.MethodGet, path: "ai/inference/" + id(recordID)}, nil)
}

func (c *Client) GetTranscript(ctx context.Context, recordID int64) (LangMap, error) {
	var m LangMap
	if err := c.do(ctx, request{op: OpGetTranscript, method: http.MethodGet, path: "ai/transcript/" + id(recordID)}, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) GetTerm(ctx context.Context, recordID int64) (LangMap, error) {
	var m LangMap
	if err := c.do(ctx, request{op: OpGetTerm, method: http.MethodGet, path: "ai/term/" + id(recordID)}, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Summary returns the service's summary text. The payload is either a bare
// string or an object with a "summary" field.
func (c *Client) Summary(ctx context.Context, recordID int64) (string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{op: OpSummary, method: http.MethodGet, path: "ai/summarize/" + id(recordID)}, &raw); err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Summary != "" {
		return obj.Summary, nil
	}
	return string(raw), nil
}

// Reply is the assistant's answer to a free-form question. Terms reports
// whether the answer drew on the term glossary.
type Reply struct {
	Reply string `json:"reply"`
	Terms bool   `json:"term"`
}

// Ask sends a question to the service's assistant.
func (c *Client) Ask(ctx context.Context, query string) (*Reply, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &UpstreamError{Op: OpAsk, Err: errors.New("empty question")}
	}
	var r Reply
	if err := c.do(ctx, request{op: OpAsk, method: http.MethodGet, path: "ai/chatbot", query: url.Values{"query": {query}}}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
