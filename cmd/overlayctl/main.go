// Command overlayctl sends one external request to a running overlay and
// prints the content's answer.
//
// Usage:
//
//	overlayctl -socket /run/user/1000/widget.sock '{"action":"refresh"}'
//	echo '{"action":"refresh"}' | overlayctl -socket /run/user/1000/widget.sock
//
// Exit status is 0 when the content answered, 2 when the request was
// rejected as malformed, 3 when the content failed or did not answer, and
// 1 for anything else.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	exitOK          = 0
	exitError       = 1
	exitBadRequest  = 2
	exitUnavailable = 3
)

func main() {
	socket := flag.String("socket", "", "Path of the overlay's external bridge socket")
	timeout := flag.Duration("timeout", 35*time.Second, "How long to wait for the answer")
	flag.Parse()

	os.Exit(run(*socket, *timeout, flag.Args(), os.Stdin, os.Stdout, os.Stderr))
}

func run(socket string, timeout time.Duration, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if socket == "" {
		fmt.Fprintln(stderr, "overlayctl: -socket is required")
		return exitError
	}

	var body string
	switch len(args) {
	case 0:
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "overlayctl: failed to read stdin: %v\n", err)
			return exitError
		}
		body = string(data)
	case 1:
		body = args[0]
	default:
		fmt.Fprintln(stderr, "overlayctl: expected at most one JSON argument")
		return exitError
	}

	resp, err := newClient(socket, timeout).R().
		SetHeader("Content-Type", "application/json").
		SetBody(strings.TrimSpace(body)).
		Post("http://overlay/")
	if err != nil {
		fmt.Fprintf(stderr, "overlayctl: %v\n", err)
		return exitError
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		fmt.Fprintln(stdout, resp.String())
		return exitOK
	case http.StatusBadRequest:
		fmt.Fprintf(stderr, "overlayctl: rejected: %s\n", resp.String())
		return exitBadRequest
	case http.StatusServiceUnavailable:
		fmt.Fprintf(stderr, "overlayctl: %s\n", resp.String())
		return exitUnavailable
	default:
		fmt.Fprintf(stderr, "overlayctl: unexpected status %s: %s\n", resp.Status(), resp.String())
		return exitError
	}
}

// newClient returns a resty client that dials socket for every request.
func newClient(socket string, timeout time.Duration) *resty.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return resty.New().
		SetTransport(transport).
		SetTimeout(timeout)
}
