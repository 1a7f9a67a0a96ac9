// Package comfytest provides an in-process fake generation worker for
// tests: HTTP endpoints plus the WebSocket notification channel.
package comfytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Outcome decides how the fake reacts to a queued prompt.
type Outcome int

const (
	Complete Outcome = iota
	Hang
	ExecutionError
	DropChannel
	RejectPrompt
)

// Upload records one staged input.
type Upload struct {
	Name      string
	Subfolder string
	Size      int
}

// Prompt records one queued graph.
type Prompt struct {
	PromptID string
	ClientID string
	Nodes    map[string]map[string]any
}

// Server is a fake worker. Zero-valued hooks give the happy path.
type Server struct {
	*httptest.Server

	// UploadStatus returns a non-zero HTTP status to fail the upload of name.
	UploadStatus func(name string) int
	// Outcome picks the reaction to a prompt; nil completes every prompt.
	Outcome func(promptID string) Outcome
	// OutputNames lists the files history reports for a save prefix.
	OutputNames func(prefix string) []string
	// HistoryStatus returns a non-zero HTTP status to fail /history.
	HistoryStatus int
	// Delay postpones the completion notification.
	Delay time.Duration

	upgrader websocket.Upgrader

	mu      sync.Mutex
	uploads []Upload
	prompts []Prompt
	conns   map[string]*wsConn
	outputs map[string][]string
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(kind, data)
}

// NewServer starts a fake worker; it is closed with t-style cleanup by the caller.
func NewServer() *Server {
	s := &Server{
		conns:   make(map[string]*wsConn),
		outputs: make(map[string][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/image", s.handleUpload)
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"system":{"os":"posix"}}`)
	})
	mux.HandleFunc("/ws", s.handleWS)
	s.Server = httptest.NewServer(mux)
	return s
}

// Uploads returns a snapshot of staged inputs.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Prompts returns a snapshot of queued graphs.
func (s *Server) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)
	if r.FormValue("type") != "input" {
		http.Error(w, "type must be input", http.StatusBadRequest)
		return
	}
	if s.UploadStatus != nil {
		if code := s.UploadStatus(hdr.Filename); code != 0 {
			http.Error(w, "upload rejected", code)
			return
		}
	}
	sub := r.FormValue("subfolder")
	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{Name: hdr.Filename, Subfolder: sub, Size: len(data)})
	s.mu.Unlock()
	writeJSON(w, map[string]string{"name": hdr.Filename, "subfolder": sub, "type": "input"})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt   map[string]map[string]any `json:"prompt"`
		ClientID string                    `json:"client_id"`
		PromptID string                    `json:"prompt_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome := Complete
	if s.Outcome != nil {
		outcome = s.Outcome(body.PromptID)
	}
	if outcome == RejectPrompt {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{
			"error":       map[string]string{"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation"},
			"node_errors": map[string]any{"95": map[string]any{"errors": []any{}}},
		})
		return
	}

	prefix := savePrefix(body.Prompt)
	names := []string{prefix + "_00001_.png"}
	if s.OutputNames != nil {
		names = s.OutputNames(prefix)
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, Prompt{PromptID: body.PromptID, ClientID: body.ClientID, Nodes: body.Prompt})
	number := len(s.prompts)
	s.outputs[body.PromptID] = names
	s.mu.Unlock()

	writeJSON(w, map[string]any{"prompt_id": body.PromptID, "number": number, "node_errors": map[string]any{}})
	go s.notify(body.ClientID, body.PromptID, outcome)
}

func (s *Server) notify(clientID, promptID string, outcome Outcome) {
	conn := s.waitConn(clientID)
	if conn == nil || outcome == Hang {
		return
	}
	if outcome == DropChannel {
		_ = conn.conn.Close()
		return
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	frames := []string{
		`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`,
		`{"type":"executing","data":{"node":null,"prompt_id":"someone-else"}}`,
		fmt.Sprintf(`{"type":"executing","data":{"node":"95","prompt_id":%q}}`, promptID),
		fmt.Sprintf(`{"type":"progress","data":{"value":1,"max":28,"prompt_id":%q}}`, promptID),
	}
	for _, f := range frames {
		if err := conn.write(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	_ = conn.write(websocket.BinaryMessage, []byte{0, 0, 0, 1, 0xff})
	_ = conn.write(websocket.TextMessage, []byte("not json"))

	final := fmt.Sprintf(`{"type":"executing","data":{"node":null,"prompt_id":%q}}`, promptID)
	if outcome == ExecutionError {
		final = fmt.Sprintf(`{"type":"execution_error","data":{"prompt_id":%q,"node_id":"95","node_type":"KSampler","exception_message":"CUDA out of memory"}}`, promptID)
	}
	_ = conn.write(websocket.TextMessage, []byte(final))
}

func (s *Server) waitConn(clientID string) *wsConn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		c := s.conns[clientID]
		s.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[clientID] = wc
	s.mu.Unlock()
	_ = wc.write(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"status","data":{"sid":%q}}`, clientID)))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	if s.conns[clientID] == wc {
		delete(s.conns, clientID)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.HistoryStatus != 0 {
		http.Error(w, "history unavailable", s.HistoryStatus)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	s.mu.Lock()
	names, ok := s.outputs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, map[string]any{})
		return
	}
	images := make([]map[string]string, 0, len(names))
	for _, n := range names {
		images = append(images, map[string]string{"filename": n, "subfolder": "", "type": "output"})
	}
	writeJSON(w, map[string]any{
		id: map[string]any{
			"outputs": map[string]any{"143": map[string]any{"images": images}},
			"status":  map[string]any{"status_str": "success", "completed": true},
		},
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if r.URL.Query().Get("type") != "output" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	found := false
	for _, names := range s.outputs {
		for _, n := range names {
			if n == name {
				found = true
			}
		}
	}
	s.mu.Unlock()
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(OutputPNG(name))
}

// OutputPNG renders a small deterministic PNG whose first pixel encodes
// the length of name, so tests can tell outputs apart.
func OutputPNG(name string) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(len(name)), G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func savePrefix(nodes map[string]map[string]any) string {
	for _, n := range nodes {
		if n["class_type"] != "SaveImage" {
			continue
		}
		inputs, _ := n["inputs"].(map[string]any)
		if p, ok := inputs["filename_prefix"].(string); ok {
			return p
		}
	}
	return "ComfyUI"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
