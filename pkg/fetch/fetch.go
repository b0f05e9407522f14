// Package fetch provides the concrete openers behind the include engine:
// local files, HTTP(S) resources, and an automatic dispatcher over both.
// Network timeouts belong to the fetcher, not the engine, so HTTP carries a
// timeout-configured client.
package fetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ndisidore/weft/pkg/address"
)

// Sentinel errors for fetch failures.
var (
	ErrScheme     = errors.New("unsupported address scheme")
	ErrHTTPStatus = errors.New("unexpected HTTP status")
	ErrStreamless = errors.New("address has no backing resource")
)

// DefaultTimeout bounds the full request, connect through body read.
const DefaultTimeout = 30 * time.Second

// File opens local-path addresses from the filesystem.
type File struct{}

// Open opens the file behind a local address for reading.
func (File) Open(addr address.Address) (io.ReadCloser, error) {
	if addr.IsNetwork() {
		return nil, fmt.Errorf("%w: %s is not a local path", ErrScheme, addr)
	}
	if addr.IsZero() {
		return nil, ErrStreamless
	}
	f, err := os.Open(addr.Path())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", addr, err)
	}
	return f, nil
}

// HTTP fetches network addresses over http or https. A nil Client gets
// DefaultClient's fixed timeout and pooled transport.
type HTTP struct {
	Client *http.Client
}

// DefaultClient returns an http.Client with the transport tuning and fixed
// timeout used when HTTP.Client is nil.
func DefaultClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Open issues a GET for a network address and returns the response body.
// Any status other than 200 is an error; the body is never silently empty.
func (h HTTP) Open(addr address.Address) (io.ReadCloser, error) {
	if !addr.IsNetwork() {
		return nil, fmt.Errorf("%w: %s is not a network locator", ErrScheme, addr)
	}
	if s := addr.URL().Scheme; s != "http" && s != "https" {
		return nil, fmt.Errorf("%w: %q", ErrScheme, s)
	}

	client := h.Client
	if client == nil {
		client = DefaultClient()
	}
	resp, err := client.Get(addr.String())
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: %w: %s", addr, ErrHTTPStatus, resp.Status)
	}
	return resp.Body, nil
}

// Auto dispatches opens by address kind: network locators go to HTTP,
// everything else to File. It is the engine's default opener.
type Auto struct {
	HTTP HTTP
}

// Open opens addr with the fetcher matching its kind.
func (a Auto) Open(addr address.Address) (io.ReadCloser, error) {
	if addr.IsNetwork() {
		return a.HTTP.Open(addr)
	}
	return File{}.Open(addr)
}
