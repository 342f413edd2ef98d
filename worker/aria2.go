package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fetchd/fetchd/models"
)

// Aria2Client is a minimal JSON-RPC 2.0 client for an aria2 daemon
type Aria2Client struct {
	RPCURL string
	Secret string
	HTTP   *http.Client
}

// NewAria2Client builds a client for the configured daemon endpoint
func NewAria2Client(rpcURL, secret string) *Aria2Client {
	return &Aria2Client{
		RPCURL: rpcURL,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Aria2Client) call(ctx context.Context, method string, params []any, result any) error {
	if c.Secret != "" {
		params = append([]any{"token:" + c.Secret}, params...)
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rr.Error.Code, rr.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

// aria2Status is the subset of aria2.tellStatus we consume
type aria2Status struct {
	Status          string `json:"status"`
	CompletedLength string `json:"completedLength"`
	TotalLength     string `json:"totalLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
}

// FileAdapter downloads plain HTTP files through an aria2 daemon and
// polls its status instead of parsing a child's stdout.
type FileAdapter struct {
	Client *Aria2Client
}

// Start submits the URL to the daemon and returns the download GID
func (a *FileAdapter) Start(ctx context.Context, job *models.Job, workDir string) (string, error) {
	opts := map[string]any{
		"dir": workDir,
	}
	if job.Options.FilenameHint != "" {
		opts["out"] = job.Options.FilenameHint
	}
	if h := job.Options.Headers; h != nil {
		headers := make([]string, 0, len(h.Extra)+2)
		if h.UserAgent != "" {
			opts["user-agent"] = h.UserAgent
		}
		if h.Referer != "" {
			opts["referer"] = h.Referer
		}
		for name, value := range h.Extra {
			headers = append(headers, name+": "+value)
		}
		if len(headers) > 0 {
			opts["header"] = headers
		}
	}

	var gid string
	if err := a.Client.call(ctx, "aria2.addUri", []any{[]string{job.URL}, opts}, &gid); err != nil {
		return "", err
	}
	return gid, nil
}

// Poll converts one aria2.tellStatus snapshot to the supervisor's
// shape. aria2 reports byte counts as decimal strings.
func (a *FileAdapter) Poll(ctx context.Context, handle string) (Snapshot, error) {
	var st aria2Status
	if err := a.Client.call(ctx, "aria2.tellStatus", []any{handle}, &st); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		State:            st.Status,
		CompletedBytes:   parseDecimal(st.CompletedLength),
		TotalBytes:       parseDecimal(st.TotalLength),
		SpeedBytesPerSec: parseDecimal(st.DownloadSpeed),
		ErrorMessage:     st.ErrorMessage,
	}
	for _, f := range st.Files {
		snap.Files = append(snap.Files, f.Path)
	}
	return snap, nil
}

// Cancel removes the download from the daemon; already-gone handles are
// fine
func (a *FileAdapter) Cancel(ctx context.Context, handle string) error {
	var gid string
	err := a.Client.call(ctx, "aria2.remove", []any{handle}, &gid)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

func (a *FileAdapter) ClassifyError(message string) models.ErrorCode {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "no space"), strings.Contains(msg, "disk"):
		return models.ErrCodeDiskFull
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		return models.ErrCodeInvalidURL
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "authorization"):
		return models.ErrCodeAuthRequired
	case msg == "":
		return models.ErrCodeInternalError
	default:
		return models.ErrCodeNetworkError
	}
}

func parseDecimal(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
