package archiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/security"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// Locker serializes unit computation across processes.
type Locker = core.Locker

// ComputeRequest names the archive to compute.
type ComputeRequest struct {
	IDSite      int
	Period      period.Period
	Segment     string
	SegmentHash string
}

// ComputeResult is the aggregated data of one archive.
type ComputeResult struct {
	Numeric map[string]float64
	Blobs   []storage.Blob
}

// Engine aggregates raw data into an archive.
type Engine interface {
	ComputeArchive(ctx context.Context, req ComputeRequest) (*ComputeResult, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, req ComputeRequest) (*ComputeResult, error)

// ComputeArchive calls f.
func (f EngineFunc) ComputeArchive(ctx context.Context, req ComputeRequest) (*ComputeResult, error) {
	return f(ctx, req)
}

// HTTPEngine asks a remote aggregation endpoint to compute archives.
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine creates an engine posting requests to url. A zero timeout keeps
// the client default.
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{url: url, client: &http.Client{Timeout: timeout}}
}

// WithClient replaces the HTTP client.
func (e *HTTPEngine) WithClient(c *http.Client) *HTTPEngine {
	cp := *e
	cp.client = c
	return &cp
}

type engineRequest struct {
	IDSite  int    `json:"id_site"`
	Period  string `json:"period"`
	Date1   string `json:"date1"`
	Date2   string `json:"date2"`
	Segment string `json:"segment,omitempty"`
}

type engineBlob struct {
	Name       string `json:"name"`
	SubtableID int    `json:"subtable_id"`
	Value      []byte `json:"value"`
}

type engineResponse struct {
	Numeric map[string]float64 `json:"numeric"`
	Blobs   []engineBlob       `json:"blobs"`
}

// ComputeArchive implements Engine.
func (e *HTTPEngine) ComputeArchive(ctx context.Context, req ComputeRequest) (*ComputeResult, error) {
	body, err := json.Marshal(engineRequest{
		IDSite:  req.IDSite,
		Period:  req.Period.Kind().String(),
		Date1:   req.Period.Date1(),
		Date2:   req.Period.Date2(),
		Segment: req.Segment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", core.ErrEngine, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEngine, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEngine, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s: %s", core.ErrEngine, resp.Status, security.SanitizeErrorMessage(string(msg)))
	}

	var out engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", core.ErrEngine, err)
	}
	res := &ComputeResult{Numeric: out.Numeric}
	for _, b := range out.Blobs {
		res.Blobs = append(res.Blobs, storage.Blob{Name: b.Name, SubtableID: b.SubtableID, Value: b.Value})
	}
	return res, nil
}
