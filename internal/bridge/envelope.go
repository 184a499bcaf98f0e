package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/overlay/internal/correlation"
)

// codec is shared by every encode and decode in the bridge.
var codec = sonic.ConfigStd

// Kind names a request variant. The values double as the wire tags.
type Kind string

const (
	KindLog           Kind = "log"
	KindListDirectory Kind = "list_dir"
	KindFileExists    Kind = "file_exists"
	KindReadFile      Kind = "read"
	KindRunCommand    Kind = "run_command"
	KindRunDetached   Kind = "run_detached_command"
	KindRunStreaming  Kind = "stream_command"
)

// Request is one of the closed set of things content can ask the host to
// do. Only this package can add variants; they are always pointers.
type Request interface {
	Kind() Kind
	isRequest()
}

// LogRequest writes a message to the host log.
type LogRequest struct {
	Message string
}

// ListDirectoryRequest lists the entries of one directory.
type ListDirectoryRequest struct {
	Path string
}

// FileExistsRequest checks whether a path exists.
type FileExistsRequest struct {
	Path string
}

// ReadFileRequest reads a whole UTF-8 file.
type ReadFileRequest struct {
	Path string
}

// CommandSpec is the part shared by every command variant.
type CommandSpec struct {
	Command []string `json:"command"`
	// WorkingDir defaults to the host's working directory.
	WorkingDir string `json:"working_dir,omitempty"`
	// Environment is added to the environment inherited from the host.
	Environment map[string]string `json:"environment,omitempty"`
}

// RunCommandRequest runs a command to completion.
type RunCommandRequest struct {
	CommandSpec
	// TimeoutSecs overrides the default timeout.
	TimeoutSecs *float64 `json:"timeout_secs,omitempty"`
}

// RunDetachedRequest starts a command and forgets it.
type RunDetachedRequest struct {
	CommandSpec
}

// RunStreamingRequest runs a command and forwards its stdout lines to the
// content callback registered under StreamID.
type RunStreamingRequest struct {
	StreamID uint64 `json:"id"`
	CommandSpec
	PTY bool `json:"pty,omitempty"`
}

func (*LogRequest) Kind() Kind           { return KindLog }
func (*ListDirectoryRequest) Kind() Kind { return KindListDirectory }
func (*FileExistsRequest) Kind() Kind    { return KindFileExists }
func (*ReadFileRequest) Kind() Kind      { return KindReadFile }
func (*RunCommandRequest) Kind() Kind    { return KindRunCommand }
func (*RunDetachedRequest) Kind() Kind   { return KindRunDetached }
func (*RunStreamingRequest) Kind() Kind  { return KindRunStreaming }

func (*LogRequest) isRequest()           {}
func (*ListDirectoryRequest) isRequest() {}
func (*FileExistsRequest) isRequest()    {}
func (*ReadFileRequest) isRequest()      {}
func (*RunCommandRequest) isRequest()    {}
func (*RunDetachedRequest) isRequest()   {}
func (*RunStreamingRequest) isRequest()  {}

// Inbound is one decoded message from the content. Exactly one field is set.
type Inbound struct {
	Window   *WindowMessage
	External *ExternalMessage
}

// WindowMessage is a request initiated by the content.
type WindowMessage struct {
	ID      uint64
	Request Request
}

// ExternalMessage is the content's answer to an external request.
type ExternalMessage struct {
	ID    uint64
	Reply correlation.Reply
}

// DecodeError reports an inbound message that could not be understood.
// Such messages carry no trustworthy id and are dropped.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "error parsing ipc message: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

type wireEnvelope struct {
	Window   *wireMessage `json:"window"`
	External *wireMessage `json:"external"`
}

type wireMessage struct {
	ID   *uint64         `json:"id"`
	Body json.RawMessage `json:"body"`
}

// Decode parses one inbound message.
func Decode(data []byte) (Inbound, error) {
	var env wireEnvelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Inbound{}, &DecodeError{Err: err}
	}

	switch {
	case env.Window != nil && env.External != nil:
		return Inbound{}, &DecodeError{Err: errors.New("message is both window and external")}
	case env.Window != nil:
		id, err := env.Window.id()
		if err != nil {
			return Inbound{}, &DecodeError{Err: err}
		}
		req, err := decodeRequest(env.Window.Body)
		if err != nil {
			return Inbound{}, &DecodeError{Err: err}
		}
		return Inbound{Window: &WindowMessage{ID: id, Request: req}}, nil
	case env.External != nil:
		id, err := env.External.id()
		if err != nil {
			return Inbound{}, &DecodeError{Err: err}
		}
		reply, err := decodeReply(env.External.Body)
		if err != nil {
			return Inbound{}, &DecodeError{Err: err}
		}
		return Inbound{External: &ExternalMessage{ID: id, Reply: reply}}, nil
	default:
		return Inbound{}, &DecodeError{Err: errors.New("message is neither window nor external")}
	}
}

func (m *wireMessage) id() (uint64, error) {
	if m.ID == nil {
		return 0, errors.New("message has no id")
	}
	return *m.ID, nil
}

// singleTag splits an externally tagged body into its tag and value.
func singleTag(body json.RawMessage) (string, json.RawMessage, error) {
	var tagged map[string]json.RawMessage
	if err := codec.Unmarshal(body, &tagged); err != nil {
		return "", nil, fmt.Errorf("body is not an object: %w", err)
	}
	if len(tagged) != 1 {
		tags := make([]string, 0, len(tagged))
		for tag := range tagged {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		return "", nil, fmt.Errorf("body must have exactly one tag, got [%s]", strings.Join(tags, ", "))
	}
	for tag, value := range tagged {
		return tag, value, nil
	}
	panic("unreachable")
}

func decodeRequest(body json.RawMessage) (Request, error) {
	tag, value, err := singleTag(body)
	if err != nil {
		return nil, err
	}

	var (
		req    Request
		target any
	)
	switch Kind(tag) {
	case KindLog:
		r := &LogRequest{}
		req, target = r, &r.Message
	case KindListDirectory:
		r := &ListDirectoryRequest{}
		req, target = r, &r.Path
	case KindFileExists:
		r := &FileExistsRequest{}
		req, target = r, &r.Path
	case KindReadFile:
		r := &ReadFileRequest{}
		req, target = r, &r.Path
	case KindRunCommand:
		r := &RunCommandRequest{}
		req, target = r, r
	case KindRunDetached:
		r := &RunDetachedRequest{}
		req, target = r, r
	case KindRunStreaming:
		r := &RunStreamingRequest{}
		req, target = r, r
	default:
		return nil, fmt.Errorf("unknown request variant %q", tag)
	}

	if err := codec.Unmarshal(value, target); err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", tag, err)
	}
	return req, nil
}

// decodeReply reads {"ok": value} or {"err": message}. An empty object is
// an ok with a null value: JSON.stringify drops undefined fields.
func decodeReply(body json.RawMessage) (correlation.Reply, error) {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(body, &fields); err != nil {
		return correlation.Reply{}, fmt.Errorf("reply is not an object: %w", err)
	}
	if len(fields) == 0 {
		return correlation.Reply{OK: json.RawMessage("null")}, nil
	}

	tag, value, err := singleTag(body)
	if err != nil {
		return correlation.Reply{}, err
	}
	switch tag {
	case "ok":
		return correlation.Reply{OK: value}, nil
	case "err":
		var msg string
		if err := codec.Unmarshal(value, &msg); err != nil {
			// Non-string errors are passed on in their JSON form.
			msg = string(value)
		}
		return correlation.Reply{Err: msg, Failed: true}, nil
	default:
		return correlation.Reply{}, fmt.Errorf("unknown reply tag %q", tag)
	}
}
