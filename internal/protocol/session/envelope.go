package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/formlink/internal/form"
)

const MaxEnvelopeBytes = 128 * 1024

const (
	OpAddForm            = "form.add"
	OpDeleteForm         = "form.delete"
	OpReleaseForm        = "form.release"
	OpUpdateForm         = "form.update"
	OpRequestForm        = "form.request"
	OpMessageEvent       = "form.message"
	OpRouterEvent        = "form.router"
	OpCastTempForm       = "form.cast_temp"
	OpSetNextRefreshTime = "form.next_refresh"
	OpLifecycleUpdate    = "form.lifecycle"
	OpNotifyVisible      = "form.visible"
	OpDeleteInvalidForms = "form.delete_invalid"
	OpGetAllFormsInfo    = "form.list"
)

var knownOps = map[string]struct{}{
	OpAddForm: {}, OpDeleteForm: {}, OpReleaseForm: {}, OpUpdateForm: {},
	OpRequestForm: {}, OpMessageEvent: {}, OpRouterEvent: {}, OpCastTempForm: {},
	OpSetNextRefreshTime: {}, OpLifecycleUpdate: {}, OpNotifyVisible: {},
	OpDeleteInvalidForms: {}, OpGetAllFormsInfo: {},
}

// Wire status codes carried in Response.Code.
const (
	StatusOK                = 0
	StatusInvalidRequest    = 1
	StatusInvalidArgument   = 2
	StatusFormNotFound      = 3
	StatusProviderDataEmpty = 4
	StatusInternal          = 5
)

var (
	ErrInvalidRequest   = errors.New("session: invalid request")
	ErrInvalidResponse  = errors.New("session: invalid response")
	ErrEnvelopeTooLarge = errors.New("session: envelope too large")
)

// Request is one client->service call.
type Request struct {
	ID        uint64             `json:"id"`
	Op        string             `json:"op"`
	Token     string             `json:"token,omitempty"`
	FormID    form.ID            `json:"form_id,omitempty"`
	FormIDs   []form.ID          `json:"form_ids,omitempty"`
	Want      *form.Want         `json:"want,omitempty"`
	Data      *form.ProviderData `json:"data,omitempty"`
	DelCache  bool               `json:"del_cache,omitempty"`
	NextTime  int64              `json:"next_time,omitempty"`
	Lifecycle form.LifecycleType `json:"lifecycle,omitempty"`
	Visible   form.VisibleType   `json:"visible,omitempty"`
}

func (r Request) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if _, ok := knownOps[r.Op]; !ok {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, r.Op)
	}
	return nil
}

// Response answers the Request with the same ID.
type Response struct {
	ID      uint64      `json:"id"`
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Info    *form.Info  `json:"info,omitempty"`
	Infos   []form.Info `json:"infos,omitempty"`
	Count   int         `json:"count,omitempty"`
}

func (r Response) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	return nil
}

func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeLine(w, req)
}

func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	if err := readLine(r, &req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func WriteResponse(w io.Writer, resp Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return writeLine(w, resp)
}

func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	if err := readLine(r, &resp); err != nil {
		return Response{}, err
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) >= MaxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if len(line) > MaxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	return json.Unmarshal(line, v)
}
