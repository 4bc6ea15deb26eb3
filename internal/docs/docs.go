// Package docs is the document-mutation boundary: memos live in text
// documents, slide decks in presentations. Layout is the gateway's concern.
package docs

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

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
)

// Chart asks for a chart of one survey question, optionally crossed by a
// second one.
type Chart struct {
	Title      string `json:"title"`
	Kind       string `json:"kind"`
	Question   string `json:"question"`
	CrossedBy  string `json:"crossed_by,omitempty"`
	SheetsID   string `json:"sheets_id,omitempty"`
	SheetTitle string `json:"sheet_title,omitempty"`
}

type Slide struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets,omitempty"`
	Charts  []Chart  `json:"charts,omitempty"`
}

type Documents interface {
	ReadText(ctx context.Context, docID string) (string, error)
	AppendText(ctx context.Context, docID, text string) error
	AddSlide(ctx context.Context, presentationID string, slide Slide) error
}

// HTTPDocuments implements Documents against the document gateway.
type HTTPDocuments struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPDocuments(cfg config.DocsConfig) *HTTPDocuments {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPDocuments{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDocuments) ReadText(ctx context.Context, docID string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := d.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(docID)+"/text", nil, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// AppendText appends text at the end of the document, on a fresh line.
func (d *HTTPDocuments) AppendText(ctx context.Context, docID, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	body := map[string]string{"text": text}
	return d.do(ctx, http.MethodPost, "/documents/"+url.PathEscape(docID)+"/append", body, nil)
}

func (d *HTTPDocuments) AddSlide(ctx context.Context, presentationID string, slide Slide) error {
	return d.do(ctx, http.MethodPost, "/presentations/"+url.PathEscape(presentationID)+"/slides", slide, nil)
}

func (d *HTTPDocuments) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
