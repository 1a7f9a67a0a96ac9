// Package comfy talks to a ComfyUI-compatible generation worker over its
// HTTP API and its WebSocket notification channel.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"inkup/internal/domain"
	"inkup/internal/infra"
)

// DefaultMaxResponseBytes bounds any single response body from the worker.
const DefaultMaxResponseBytes = 64 << 20

// Options configures the worker client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *infra.Logger
	RequestTimeout time.Duration
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// Client performs HTTP and WebSocket calls against one worker.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *infra.Logger
	maxBody    int64
}

// UploadedImage is the worker's acknowledgement of an input upload.
type UploadedImage struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Path is the reference a graph uses to load the image.
func (u UploadedImage) Path() string {
	if u.Subfolder == "" {
		return u.Name
	}
	return u.Subfolder + "/" + u.Name
}

// OutputFile identifies an image produced by a graph.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
	PromptID string `json:"prompt_id"`
}

// QueueResponse is the worker's answer to a queued prompt.
type QueueResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []OutputFile `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// StatusError reports a non-2xx worker response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("comfy: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("comfy: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("comfy: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("comfy: unsupported scheme %q", base.Scheme)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Client{baseURL: base, httpClient: httpClient, dialer: dialer, logger: logger, maxBody: maxBody}, nil
}

// UploadImage stages data under subfolder/name in the worker's input area,
// overwriting any previous file with that name.
func (c *Client) UploadImage(ctx context.Context, name, subfolder string, data io.Reader) (UploadedImage, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return UploadedImage{}, fmt.Errorf("comfy: build upload: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return UploadedImage{}, fmt.Errorf("comfy: build upload: %w", err)
	}
	for k, v := range map[string]string{"type": "input", "subfolder": subfolder, "overwrite": "true"} {
		if err := mw.WriteField(k, v); err != nil {
			return UploadedImage{}, fmt.Errorf("comfy: build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return UploadedImage{}, fmt.Errorf("comfy: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &body)
	if err != nil {
		return UploadedImage{}, fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.do(req, "upload image")
	if err != nil {
		return UploadedImage{}, err
	}
	var out UploadedImage
	if err := json.Unmarshal(raw, &out); err != nil {
		return UploadedImage{}, fmt.Errorf("comfy: decode upload response: %w", err)
	}
	if out.Name == "" {
		return UploadedImage{}, errors.New("comfy: upload response has no name")
	}
	c.logger.Debug().Str("name", out.Name).Str("subfolder", out.Subfolder).Msg("comfy: image staged")
	return out, nil
}

// QueuePrompt submits a graph. Rejections and unreachable workers are
// reported as domain.ErrSubmission.
func (c *Client) QueuePrompt(ctx context.Context, pr PromptRequest) (QueueResponse, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return QueueResponse{}, fmt.Errorf("%w: encode prompt: %v", domain.ErrSubmission, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(body))
	if err != nil {
		return QueueResponse{}, fmt.Errorf("%w: build request: %v", domain.ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req, "queue prompt")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			var detail errorResponse
			if jerr := json.Unmarshal([]byte(se.Body), &detail); jerr == nil && detail.Error.Message != "" {
				return QueueResponse{}, fmt.Errorf("%w: %s (%s) %s", domain.ErrSubmission, detail.Error.Message, detail.Error.Type, nodeErrorKeys(detail.NodeErrors))
			}
		}
		return QueueResponse{}, fmt.Errorf("%w: %v", domain.ErrSubmission, err)
	}
	var out QueueResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return QueueResponse{}, fmt.Errorf("%w: decode response: %v", domain.ErrSubmission, err)
	}
	if len(out.NodeErrors) > 0 {
		return out, fmt.Errorf("%w: node errors %s", domain.ErrSubmission, nodeErrorKeys(out.NodeErrors))
	}
	if out.PromptID != "" && out.PromptID != pr.PromptID {
		return out, fmt.Errorf("%w: worker assigned prompt id %s, want %s", domain.ErrSubmission, out.PromptID, pr.PromptID)
	}
	c.logger.Debug().Str("prompt_id", pr.PromptID).Int("number", out.Number).Msg("comfy: prompt queued")
	return out, nil
}

// History lists the images recorded for promptID, ordered by node id.
func (c *Client) History(ctx context.Context, promptID string) ([]OutputFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/history/"+url.PathEscape(promptID), nil), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	raw, err := c.do(req, "history")
	if err != nil {
		return nil, err
	}
	var decoded map[string]historyEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("comfy: decode history: %w", err)
	}
	entry, ok := decoded[promptID]
	if !ok {
		return nil, fmt.Errorf("comfy: history for %s: %w", promptID, domain.ErrOutputNotFound)
	}
	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	var files []OutputFile
	for _, id := range nodes {
		files = append(files, entry.Outputs[id].Images...)
	}
	return files, nil
}

// View downloads one output image.
func (c *Client) View(ctx context.Context, f OutputFile) ([]byte, error) {
	kind := f.Type
	if kind == "" {
		kind = "output"
	}
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/view", q), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	raw, err := c.do(req, "view")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("comfy: view %s: %w", f.Filename, domain.ErrOutputNotFound)
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("comfy: view %s: empty body: %w", f.Filename, domain.ErrOutputNotFound)
	}
	return raw, nil
}

// Ping checks that the worker answers its stats endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/system_stats", nil), nil)
	if err != nil {
		return fmt.Errorf("comfy: build request: %w", err)
	}
	_, err = c.do(req, "system stats")
	return err
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("comfy: %s: read response: %w", op, err)
	}
	if int64(len(raw)) > c.maxBody {
		return nil, fmt.Errorf("comfy: %s: response exceeds %d bytes", op, c.maxBody)
	}
	if resp.StatusCode >= 300 {
		body := strings.TrimSpace(string(raw))
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: body}
	}
	return raw, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) wsURL(clientID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String()
}

func nodeErrorKeys(m map[string]json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "[" + strings.Join(keys, ",") + "]"
}
