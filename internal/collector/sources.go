package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"historian/internal/record"
)

// NewSource constructs a named observation source from its config
// params. Known sources:
//
//	static: documents inline in params["documents"], a JSON object of
//	        id to document
//	file:   documents read from the JSON file at params["path"] on
//	        every observation
//	http:   documents fetched as JSON from params["url"] on every
//	        observation
func NewSource(name string, params map[string]string) (Collector, error) {
	switch name {
	case "static":
		src, err := newStaticSource(params["documents"])
		if err != nil {
			return nil, err
		}
		return src, nil
	case "file":
		if params["path"] == "" {
			return nil, fmt.Errorf("file source requires a path param")
		}
		return &fileSource{path: params["path"]}, nil
	case "http":
		if params["url"] == "" {
			return nil, fmt.Errorf("http source requires a url param")
		}
		return &httpSource{
			url:    params["url"],
			client: &http.Client{Timeout: 30 * time.Second},
		}, nil
	}
	return nil, fmt.Errorf("unknown source %q", name)
}

// staticSource serves a fixed observation set. Useful for wiring up a
// collection whose contents never change, and for smoke testing.
type staticSource struct {
	docs map[string]record.Document
}

func newStaticSource(raw string) (*staticSource, error) {
	docs := map[string]record.Document{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return nil, fmt.Errorf("parse static documents: %w", err)
		}
	}
	return &staticSource{docs: docs}, nil
}

func (s *staticSource) Observe(context.Context) (map[string]record.Document, error) {
	return s.docs, nil
}

// fileSource re-reads its backing file on every observation, so edits
// to the file become new record versions on the next poll.
type fileSource struct {
	path string
}

func (s *fileSource) Observe(context.Context) (map[string]record.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read observation file: %w", err)
	}
	return parseDocuments(data)
}

// httpSource polls a JSON endpoint serving an object of id to document.
type httpSource struct {
	url    string
	client *http.Client
}

func (s *httpSource) Observe(ctx context.Context) (map[string]record.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build observation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("observe %s: unexpected status %s", s.url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read observation body: %w", err)
	}
	return parseDocuments(data)
}

func parseDocuments(data []byte) (map[string]record.Document, error) {
	docs := map[string]record.Document{}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse observations: %w", err)
	}
	return docs, nil
}
