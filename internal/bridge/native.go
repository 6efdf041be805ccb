// Package bridge implements the browser native-messaging transport:
// each message is a uint32 little-endian length followed by that many
// bytes of JSON, in both directions. The engine's only dependency on
// the browser side is the submit-URL / receive-ack contract.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// Browsers cap native messages at 1 MB toward the host; anything
// larger is a framing error, not a real request.
const maxMessageSize = 1024 * 1024

// Request is a message from the browser extension.
type Request struct {
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Threads  int    `json:"threads,omitempty"`
}

// Response is the host's ack.
type Response struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Submitter is the queue-facing half of the contract: submit a URL,
// get a task back.
type Submitter interface {
	Add(url, destination string, threads int) (*task.Task, error)
}

// Host speaks the native-messaging protocol over a reader/writer pair
// (stdio in production) and forwards download requests to the queue.
type Host struct {
	in        io.Reader
	out       io.Writer
	submitter Submitter
}

func NewHost(in io.Reader, out io.Writer, submitter Submitter) *Host {
	return &Host{in: in, out: out, submitter: submitter}
}

// Serve handles messages until the input closes.
func (h *Host) Serve() error {
	log := utils.GetLogger("bridge")
	for {
		req, err := h.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp := h.handle(req)
		if resp.Error != "" {
			log.Warn().Str("action", req.Action).Msg(resp.Error)
		}
		if err := h.write(resp); err != nil {
			return err
		}
	}
}

func (h *Host) handle(req *Request) Response {
	switch req.Action {
	case "ping":
		return Response{Status: "pong"}
	case "download":
		if req.URL == "" {
			return Response{Status: "error", Error: "missing url"}
		}
		threads := req.Threads
		if threads == 0 {
			threads = 4
		}
		t, err := h.submitter.Add(req.URL, req.Filename, threads)
		if err != nil {
			return Response{Status: "error", Error: err.Error()}
		}
		return Response{Status: "queued", ID: t.ID}
	default:
		return Response{Status: "error", Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func (h *Host) read() (*Request, error) {
	var length uint32
	if err := binary.Read(h.in, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > maxMessageSize {
		return nil, fmt.Errorf("invalid message length: %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(h.in, payload); err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return &req, nil
}

func (h *Host) write(resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := binary.Write(h.out, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err = h.out.Write(payload)
	return err
}
