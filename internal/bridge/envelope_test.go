package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWindowRequests(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, req Request)
	}{
		{
			name:  "log",
			input: `{"window":{"id":0,"body":{"log":"hello"}}}`,
			check: func(t *testing.T, req Request) {
				assert.Equal(t, &LogRequest{Message: "hello"}, req)
			},
		},
		{
			name:  "list_dir",
			input: `{"window":{"id":1,"body":{"list_dir":"/tmp"}}}`,
			check: func(t *testing.T, req Request) {
				assert.Equal(t, &ListDirectoryRequest{Path: "/tmp"}, req)
			},
		},
		{
			name:  "file_exists",
			input: `{"window":{"id":1,"body":{"file_exists":"/etc/hosts"}}}`,
			check: func(t *testing.T, req Request) {
				assert.Equal(t, &FileExistsRequest{Path: "/etc/hosts"}, req)
			},
		},
		{
			name:  "read",
			input: `{"window":{"id":1,"body":{"read":"/etc/hosts"}}}`,
			check: func(t *testing.T, req Request) {
				assert.Equal(t, &ReadFileRequest{Path: "/etc/hosts"}, req)
			},
		},
		{
			name:  "run_command",
			input: `{"window":{"id":1,"body":{"run_command":{"command":["ls","-l"],"working_dir":"/","environment":{"A":"1"},"timeout_secs":2.5}}}}`,
			check: func(t *testing.T, req Request) {
				r, ok := req.(*RunCommandRequest)
				require.True(t, ok)
				assert.Equal(t, []string{"ls", "-l"}, r.Command)
				assert.Equal(t, "/", r.WorkingDir)
				assert.Equal(t, map[string]string{"A": "1"}, r.Environment)
				require.NotNil(t, r.TimeoutSecs)
				assert.Equal(t, 2.5, *r.TimeoutSecs)
			},
		},
		{
			name:  "run_detached_command ignores unknown fields",
			input: `{"window":{"id":1,"body":{"run_detached_command":{"command":["x"],"extra":true}}}}`,
			check: func(t *testing.T, req Request) {
				r, ok := req.(*RunDetachedRequest)
				require.True(t, ok)
				assert.Equal(t, []string{"x"}, r.Command)
			},
		},
		{
			name:  "stream_command",
			input: `{"window":{"id":1,"body":{"stream_command":{"id":4,"command":["tail","-f","x"],"pty":true}}}}`,
			check: func(t *testing.T, req Request) {
				r, ok := req.(*RunStreamingRequest)
				require.True(t, ok)
				assert.Equal(t, uint64(4), r.StreamID)
				assert.True(t, r.PTY)
				assert.Equal(t, KindRunStreaming, r.Kind())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			require.NotNil(t, msg.Window)
			assert.Nil(t, msg.External)
			tt.check(t, msg.Window.Request)
		})
	}
}

func TestDecodeExternalReplies(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		ok     string
		err    string
		failed bool
	}{
		{name: "ok value", input: `{"external":{"id":3,"body":{"ok":{"a":[1,2]}}}}`, ok: `{"a":[1,2]}`},
		{name: "ok null", input: `{"external":{"id":3,"body":{"ok":null}}}`, ok: `null`},
		{name: "undefined value", input: `{"external":{"id":3,"body":{}}}`, ok: `null`},
		{name: "error", input: `{"external":{"id":3,"body":{"err":"Error: nope"}}}`, err: "Error: nope", failed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			require.NotNil(t, msg.External)
			assert.Equal(t, uint64(3), msg.External.ID)
			assert.Equal(t, tt.failed, msg.External.Reply.Failed)
			if tt.failed {
				assert.Equal(t, tt.err, msg.External.Reply.Err)
			} else {
				assert.JSONEq(t, tt.ok, string(msg.External.Reply.OK))
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	inputs := map[string]string{
		"not json":         `window`,
		"empty object":     `{}`,
		"both kinds":       `{"window":{"id":1,"body":{"log":"x"}},"external":{"id":1,"body":{"ok":1}}}`,
		"missing id":       `{"window":{"body":{"log":"x"}}}`,
		"negative id":      `{"window":{"id":-1,"body":{"log":"x"}}}`,
		"unknown variant":  `{"window":{"id":1,"body":{"format_disk":"/"}}}`,
		"two tags":         `{"window":{"id":1,"body":{"log":"x","read":"y"}}}`,
		"wrong value type": `{"window":{"id":1,"body":{"log":42}}}`,
		"body not object":  `{"window":{"id":1,"body":"log"}}`,
		"unknown reply":    `{"external":{"id":1,"body":{"maybe":1}}}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}
