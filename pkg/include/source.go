package include

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ndisidore/weft/pkg/address"
)

// maxLineBytes bounds a single source line. Beyond bufio's default 64 KiB
// but still finite so a malformed resource cannot exhaust memory.
const maxLineBytes = 4 * 1024 * 1024

// Opener opens the byte stream behind an address. Implementations live in
// pkg/fetch; tests substitute in-memory fakes.
type Opener interface {
	Open(addr address.Address) (io.ReadCloser, error)
}

// source couples one open resource with the address it was opened from and
// a line iterator over its decoded content. A source is finite and not
// restartable: once drained it is spent and must be closed, not reused.
type source struct {
	addr    address.Address
	rc      io.ReadCloser
	scanner *bufio.Scanner
}

func newSource(addr address.Address, rc io.ReadCloser) *source {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &source{addr: addr, rc: rc, scanner: sc}
}

// next returns the next line with its trailing terminator stripped.
// ok is false on exhaustion; a read failure is returned as an error.
func (s *source) next() (line string, ok bool, err error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", false, fmt.Errorf("reading %s: %w", s.addr, err)
	}
	return "", false, nil
}

func (s *source) close() error {
	if err := s.rc.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.addr, err)
	}
	return nil
}
