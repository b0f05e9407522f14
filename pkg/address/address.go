// Package address models the resources an include directive can name: local
// filesystem paths and network locators. An Address knows how to resolve a
// reference string found in its content into the Address of the referenced
// resource, keeping local references local and letting fully-qualified
// network references win regardless of where they were found.
package address

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrInvalidReference indicates a reference string that names no resolvable
// resource (empty, blank, or unparseable for the base it was found under).
var ErrInvalidReference = errors.New("invalid include reference")

// Address identifies a readable resource. It is either a local filesystem
// path or a network locator; the zero value identifies nothing and is used
// as the base of pre-opened streams, where relative resolution is
// best-effort only.
type Address struct {
	u *url.URL // set for network locators
	p string   // set for local paths
}

// Local returns the Address of a local filesystem path.
func Local(path string) Address {
	return Address{p: path}
}

// Network returns the Address of a network locator.
func Network(u *url.URL) Address {
	return Address{u: u}
}

// Parse classifies raw as a network locator or a local path. A string is a
// network locator when it parses as a URL with both a scheme and a host;
// anything else non-blank is a local path.
func Parse(raw string) (Address, error) {
	if strings.TrimSpace(raw) == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrInvalidReference)
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return Network(u), nil
	}
	return Local(raw), nil
}

// IsNetwork reports whether a is a network locator.
func (a Address) IsNetwork() bool { return a.u != nil }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.u == nil && a.p == "" }

// URL returns the underlying locator for network addresses, nil otherwise.
func (a Address) URL() *url.URL { return a.u }

// Path returns the underlying path for local addresses, "" otherwise.
func (a Address) Path() string { return a.p }

// String renders the address for display and cycle-detection keys.
func (a Address) String() string {
	if a.u != nil {
		return a.u.String()
	}
	if a.p != "" {
		return a.p
	}
	return "<stream>"
}

// Resolve computes the Address of ref as found in content read from a.
//
// A ref that is itself a fully-qualified network locator resolves to that
// locator verbatim, ignoring the base. Otherwise ref is taken relative to
// the directory containing a: local bases join with filepath semantics,
// network bases recompute the URL path per RFC 3986 while keeping scheme,
// host, port and credentials. A zero base resolves relative refs against
// the process working directory.
func (a Address) Resolve(ref string) (Address, error) {
	if strings.TrimSpace(ref) == "" {
		return Address{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	u, uerr := url.Parse(ref)
	if uerr == nil && u.Scheme != "" && u.Host != "" {
		return Network(u), nil
	}

	if a.IsNetwork() {
		// Local filenames tolerate characters URLs do not; under a network
		// base there is no filesystem to fall back to, so an unparseable
		// ref is a hard error rather than a silent path join.
		if uerr != nil {
			return Address{}, fmt.Errorf("%w: %q under %s: %v", ErrInvalidReference, ref, a, uerr)
		}
		return Network(a.u.ResolveReference(u)), nil
	}

	if filepath.IsAbs(ref) {
		return Local(filepath.Clean(ref)), nil
	}
	base := a.p
	if base == "" {
		// Zero base: a pre-opened stream has no containing directory, so
		// relative refs resolve against the working directory.
		return Local(filepath.Clean(ref)), nil
	}
	return Local(filepath.Join(filepath.Dir(base), ref)), nil
}
