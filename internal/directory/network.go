package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const upstreamSnippetLimit = 256

// Header is one templated request header. The value may reference
// {file_name}, {start} and {end}.
type Header struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// RemoteConfig describes how the network directory turns file reads into
// requests against a remote endpoint.
type RemoteConfig struct {
	Method          string   `yaml:"method" json:"method"`
	URLTemplate     string   `yaml:"url_template" json:"url_template"`
	HeadersTemplate []Header `yaml:"headers_template" json:"headers_template"`
}

// ExternalRequest is a fully templated request ready to be issued.
type ExternalRequest struct {
	Method  string
	URL     string
	Headers []Header
}

// ExternalResponse is the raw response body plus selected headers.
type ExternalResponse struct {
	Data          []byte
	ContentLength int64
}

// RequestGenerator produces requests for ranged reads and length probes.
// It is the open extension point for alternative transports.
type RequestGenerator interface {
	// RangeRequest templates a request for the bytes [start, end) of the
	// file. A negative start requests the whole file.
	RangeRequest(fileName string, start, end int64) (ExternalRequest, error)

	// LengthRequest templates a HEAD-style request used to probe the file
	// length.
	LengthRequest(fileName string) (ExternalRequest, error)
}

// RequestExecutor issues an ExternalRequest. The default executor uses a
// retrying HTTP client.
type RequestExecutor interface {
	Execute(ctx context.Context, req ExternalRequest) (*ExternalResponse, error)
}

// TemplateRequestGenerator substitutes {file_name}, {start} and {end} into
// the configured URL and header templates. When no range is requested, any
// header named "range" is omitted.
type TemplateRequestGenerator struct {
	config RemoteConfig
}

func NewTemplateRequestGenerator(config RemoteConfig) *TemplateRequestGenerator {
	return &TemplateRequestGenerator{config: config}
}

func substitute(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

func (g *TemplateRequestGenerator) RangeRequest(fileName string, start, end int64) (ExternalRequest, error) {
	if g.config.URLTemplate == "" {
		return ExternalRequest{}, fmt.Errorf("remote config: empty url_template")
	}
	vars := map[string]string{"file_name": fileName}
	hasRange := start >= 0
	if hasRange {
		vars["start"] = strconv.FormatInt(start, 10)
		// Range headers are inclusive on both sides.
		vars["end"] = strconv.FormatInt(end-1, 10)
	} else {
		vars["start"] = "0"
		vars["end"] = ""
	}

	headers := make([]Header, 0, len(g.config.HeadersTemplate))
	for _, h := range g.config.HeadersTemplate {
		if !hasRange && strings.EqualFold(h.Name, "range") {
			continue
		}
		headers = append(headers, Header{Name: h.Name, Value: substitute(h.Value, vars)})
	}
	method := g.config.Method
	if method == "" {
		method = http.MethodGet
	}
	return ExternalRequest{
		Method:  method,
		URL:     substitute(g.config.URLTemplate, vars),
		Headers: headers,
	}, nil
}

func (g *TemplateRequestGenerator) LengthRequest(fileName string) (ExternalRequest, error) {
	if g.config.URLTemplate == "" {
		return ExternalRequest{}, fmt.Errorf("remote config: empty url_template")
	}
	vars := map[string]string{"file_name": fileName}
	return ExternalRequest{
		Method: http.MethodHead,
		URL:    substitute(g.config.URLTemplate, vars),
	}, nil
}

// HTTPExecutor issues requests with a retrying client.
type HTTPExecutor struct {
	client *retryablehttp.Client
}

func NewHTTPExecutor(logger *zap.Logger) *HTTPExecutor {
	client := retryablehttp.NewClient()
	client.Logger = nil
	if logger != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Debug("retrying remote request", zap.String("url", req.URL.String()), zap.Int("attempt", attempt))
			}
		}
	}
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req ExternalRequest) (*ExternalResponse, error) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build remote request %s: %w", req.URL, err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Set(h.Name, h.Value)
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote request %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDoesNotExist
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, upstreamSnippetLimit))
		return nil, &UpstreamError{Status: resp.StatusCode, Snippet: string(snippet)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote response body %s: %w", req.URL, err)
	}
	return &ExternalResponse{Data: data, ContentLength: resp.ContentLength}, nil
}

// NetworkDirectory reads files by templating requests against a remote
// endpoint. File lengths are probed once and cached. Writes are not
// supported.
type NetworkDirectory struct {
	generator RequestGenerator
	executor  RequestExecutor
	logger    *zap.Logger

	lengthMu sync.Mutex
	lengths  map[string]int64
}

func NewNetworkDirectory(generator RequestGenerator, executor RequestExecutor, logger *zap.Logger) *NetworkDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkDirectory{
		generator: generator,
		executor:  executor,
		logger:    logger,
		lengths:   make(map[string]int64),
	}
}

func (d *NetworkDirectory) fileLength(ctx context.Context, path string) (int64, error) {
	d.lengthMu.Lock()
	if length, ok := d.lengths[path]; ok {
		d.lengthMu.Unlock()
		return length, nil
	}
	d.lengthMu.Unlock()

	req, err := d.generator.LengthRequest(path)
	if err != nil {
		return 0, err
	}
	resp, err := d.executor.Execute(ctx, req)
	if err != nil {
		return 0, pathErr(path, err)
	}
	length := resp.ContentLength
	if length < 0 {
		length = int64(len(resp.Data))
	}

	d.lengthMu.Lock()
	d.lengths[path] = length
	d.lengthMu.Unlock()
	return length, nil
}

func (d *NetworkDirectory) OpenRead(path string) (FileHandle, error) {
	length, err := d.fileLength(context.Background(), path)
	if err != nil {
		return nil, err
	}
	return &networkHandle{dir: d, path: path, length: length}, nil
}

func (d *NetworkDirectory) OpenWrite(string) (io.WriteCloser, error) {
	return nil, ErrReadOnly
}

func (d *NetworkDirectory) AtomicRead(path string) ([]byte, error) {
	req, err := d.generator.RangeRequest(path, -1, -1)
	if err != nil {
		return nil, err
	}
	resp, err := d.executor.Execute(context.Background(), req)
	if err != nil {
		return nil, pathErr(path, err)
	}
	return resp.Data, nil
}

func (d *NetworkDirectory) AtomicWrite(string, []byte) error { return ErrReadOnly }
func (d *NetworkDirectory) Delete(string) error              { return ErrReadOnly }

func (d *NetworkDirectory) Exists(path string) (bool, error) {
	_, err := d.fileLength(context.Background(), path)
	if err != nil {
		if errors.Is(err, ErrDoesNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *NetworkDirectory) List() ([]string, error) {
	return nil, fmt.Errorf("network directory cannot enumerate remote files")
}

func (d *NetworkDirectory) Sync() error { return nil }

func (d *NetworkDirectory) Watch(func()) (WatchCancel, error) {
	return func() {}, nil
}

type networkHandle struct {
	dir    *NetworkDirectory
	path   string
	length int64
}

func (h *networkHandle) Len() int64 { return h.length }

func (h *networkHandle) ReadBytes(start, end int64) ([]byte, error) {
	return h.ReadBytesCtx(context.Background(), start, end)
}

func (h *networkHandle) ReadBytesCtx(ctx context.Context, start, end int64) ([]byte, error) {
	if err := checkRange(start, end, h.length); err != nil {
		return nil, err
	}
	if start == end {
		return nil, nil
	}
	req, err := h.dir.generator.RangeRequest(h.path, start, end)
	if err != nil {
		return nil, err
	}
	resp, err := h.dir.executor.Execute(ctx, req)
	if err != nil {
		return nil, pathErr(h.path, err)
	}
	if int64(len(resp.Data)) < end-start {
		return nil, fmt.Errorf("%w: got %d of %d bytes for %s", ErrTruncated, len(resp.Data), end-start, h.path)
	}
	return resp.Data[:end-start], nil
}

func (h *networkHandle) Close() error { return nil }
