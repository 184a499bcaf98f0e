package bridge

import (
	_ "embed"
	"fmt"
	"strings"
)

// Bootstrap installs the content-side half of the bridge: the overlay API,
// the pending response table and the external request hook. It must run
// before any page code on every page load.
//
//go:embed bootstrap.js
var Bootstrap string

// jsSafe makes JSON text safe to embed in script source. U+2028 and U+2029
// are legal in JSON strings but end lines in older script engines.
var jsSafe = strings.NewReplacer("\u2028", `\u2028`, "\u2029", `\u2029`)

// literal encodes v as a script expression.
func literal(v any) (string, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return "", err
	}
	return jsSafe.Replace(string(data)), nil
}

// ResponseScript resolves the content's pending call id with payload,
// which must already be JSON.
func ResponseScript(id uint64, payload []byte) string {
	return fmt.Sprintf("(window._overlay.responses.get(%d))(%s);", id, jsSafe.Replace(string(payload)))
}

// StreamLineScript hands one line to the stream callback streamID.
func StreamLineScript(streamID uint64, line string) (string, error) {
	lit, err := literal(line)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(window._overlay.stream_cbs.get(%d))(%s);", streamID, lit), nil
}

// ExternalScript invokes the content's external request handler with body,
// which must already be valid JSON.
func ExternalScript(id uint64, body []byte) string {
	return fmt.Sprintf("window._overlay.external_ipc(%d, %s);", id, jsSafe.Replace(string(body)))
}

// ConsoleScript logs message on the content console.
func ConsoleScript(message string) (string, error) {
	lit, err := literal(message)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("console.log(%s);", lit), nil
}

// KeyValue is one startup value exposed to content.
type KeyValue struct {
	Key   string
	Value string
}

// ParseKeyValue splits a KEY=VALUE argument.
func ParseKeyValue(arg string) (KeyValue, error) {
	k, v, ok := strings.Cut(arg, "=")
	if !ok || k == "" {
		return KeyValue{}, fmt.Errorf("argument %q must be in the form KEY=VALUE", arg)
	}
	return KeyValue{Key: k, Value: v}, nil
}

// EnvPairs converts os.Environ style entries, skipping malformed ones.
func EnvPairs(environ []string) []KeyValue {
	pairs := make([]KeyValue, 0, len(environ))
	for _, entry := range environ {
		if kv, err := ParseKeyValue(entry); err == nil {
			pairs = append(pairs, kv)
		}
	}
	return pairs
}

// StartupScript fills overlay.env and overlay.args. It is built once when
// the host starts and replayed unchanged on every page load.
func StartupScript(env, args []KeyValue) (string, error) {
	var b strings.Builder
	write := func(target string, kvs []KeyValue) error {
		for _, kv := range kvs {
			k, err := literal(kv.Key)
			if err != nil {
				return err
			}
			v, err := literal(kv.Value)
			if err != nil {
				return err
			}
			fmt.Fprintf(&b, "overlay.%s.set(%s, %s);\n", target, k, v)
		}
		return nil
	}
	if err := write("env", env); err != nil {
		return "", err
	}
	if err := write("args", args); err != nil {
		return "", err
	}
	return b.String(), nil
}
