package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// InvokeRequest is the wire form of one tool call, shared by the HTTP
// and stdio transports. ID is echoed back for stdio correlation.
type InvokeRequest struct {
	ID   string          `json:"id,omitempty"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// InvokeResponse carries either a result or an error envelope.
type InvokeResponse struct {
	ID     string         `json:"id,omitempty"`
	Result interface{}    `json:"result,omitempty"`
	Error  *ErrorEnvelope `json:"error,omitempty"`
}

// RegisterRoutes mounts the HTTP transport on a mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tools/invoke", g.handleInvoke)
	mux.HandleFunc("GET /v1/tools", g.handleListTools)
}

func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvokeJSON(w, http.StatusBadRequest, InvokeResponse{
			Error: &ErrorEnvelope{Error: "invalid request body: " + err.Error()},
		})
		return
	}
	result, envelope := g.Invoke(r.Context(), req.Tool, req.Args)
	if envelope != nil {
		writeInvokeJSON(w, http.StatusBadRequest, InvokeResponse{ID: req.ID, Error: envelope})
		return
	}
	writeInvokeJSON(w, http.StatusOK, InvokeResponse{ID: req.ID, Result: result})
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeInvokeJSON(w, http.StatusOK, g.Tools())
}

func writeInvokeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RunStdio serves tool calls as JSON lines: one InvokeRequest per input
// line, one InvokeResponse per output line. Returns when the reader is
// exhausted or the context is cancelled.
func (g *Gateway) RunStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req InvokeRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(InvokeResponse{Error: &ErrorEnvelope{Error: "invalid request line: " + err.Error()}})
			continue
		}
		result, envelope := g.Invoke(ctx, req.Tool, req.Args)
		resp := InvokeResponse{ID: req.ID, Result: result, Error: envelope}
		if err := enc.Encode(resp); err != nil {
			slog.Error("gateway.stdio_write_failed", "error", err)
			return err
		}
	}
	return scanner.Err()
}
