// Package main — cmd/safeswitchctl/main.go
//
// safeswitchctl is the operator CLI for the SafeSwitch daemon, per spec
// §6: it talks JSON/HTTP to the daemon's Unix domain socket and exits with
// one of five codes: 0 ok, 1 argument error, 2 daemon unreachable, 3
// operation rejected, 4 persistent Failed state.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// Exit codes per spec §6.
const (
	exitOK               = 0
	exitArgumentError    = 1
	exitDaemonUnreachable = 2
	exitOperationRejected = 3
	exitPersistentFailed  = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra has already printed the error; arg-parsing failures land
		// here (unknown flag, missing required value).
		os.Exit(exitArgumentError)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string
	var jsonOut bool

	root := &cobra.Command{
		Use:           "safeswitchctl",
		Short:         "Operate the SafeSwitch deploy-transaction daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/safeswitch/api.sock", "SafeSwitch API socket path")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON responses")

	cl := func() *apiClient { return newAPIClient(socketPath, &jsonOut) }

	root.AddCommand(newSwitchCmd(cl))
	root.AddCommand(newWatcherCmd(cl))
	root.AddCommand(newFleetCmd(cl))

	return root
}

// ─── HTTP client over the Unix socket ──────────────────────────────────────

type apiClient struct {
	http    *http.Client
	jsonOut *bool
}

func newAPIClient(socketPath string, jsonOut *bool) *apiClient {
	return &apiClient{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{Timeout: 5 * time.Second}
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		jsonOut: jsonOut,
	}
}

// errorBody mirrors internal/api's {"kind", "detail"} error shape.
type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// apiError wraps a non-2xx API response, carrying the kind so callers can
// pick the right exit code.
type apiError struct {
	status int
	body   errorBody
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.body.Kind, e.body.Detail)
}

// do issues an HTTP request against the daemon and, on success, decodes the
// JSON response body into out (nil to discard it). Returns exitDaemonUnreachable
// wrapped errors for transport failures and *apiError for decoded {kind,
// detail} bodies, so callers can map either to the right process exit code.
func (c *apiClient) do(method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://unix"+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return daemonUnreachableError{err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return daemonUnreachableError{err}
	}

	if *c.jsonOut && len(raw) > 0 {
		var buf bytes.Buffer
		if json.Indent(&buf, raw, "", "  ") == nil {
			fmt.Println(buf.String())
		} else {
			fmt.Println(string(raw))
		}
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		if err := json.Unmarshal(raw, &eb); err != nil {
			eb = errorBody{Kind: "Unknown", Detail: string(raw)}
		}
		return &apiError{status: resp.StatusCode, body: eb}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// daemonUnreachableError marks a transport-level failure (dial refused, no
// socket, timeout) — always exitDaemonUnreachable, never exitOperationRejected.
type daemonUnreachableError struct{ err error }

func (e daemonUnreachableError) Error() string { return e.err.Error() }
func (e daemonUnreachableError) Unwrap() error { return e.err }

// exitFor maps a command's returned error to the spec §6 process exit code
// and prints a one-line message to stderr. Returns exitOK if err is nil.
func exitFor(err error) int {
	if err == nil {
		return exitOK
	}
	if _, ok := err.(daemonUnreachableError); ok {
		fmt.Fprintln(os.Stderr, "safeswitchctl:", err)
		return exitDaemonUnreachable
	}
	if apiErr, ok := err.(*apiError); ok {
		fmt.Fprintln(os.Stderr, "safeswitchctl:", apiErr)
		return exitOperationRejected
	}
	fmt.Fprintln(os.Stderr, "safeswitchctl:", err)
	return exitArgumentError
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
}
