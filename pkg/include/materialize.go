package include

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// MaterializeTo drains p, writing each flattened line plus a newline to w.
// Any fatal error from the processor propagates unchanged; whatever was
// written before the failure stays written.
func MaterializeTo(w io.Writer, p *Processor) error {
	bw := bufio.NewWriter(w)
	for p.HasNext() {
		line, err := p.Next()
		if err != nil {
			return err
		}
		if _, err := bw.WriteString(line); err != nil {
			return fmt.Errorf("writing flattened output: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing flattened output: %w", err)
		}
	}
	return bw.Flush()
}

// Materialize drains p into a newly created temporary file and returns its
// path. On failure a partially written file may remain on disk; removing it
// is the caller's responsibility. Successfully materialized files are
// tracked for best-effort removal via CleanupTemp.
func Materialize(p *Processor) (path string, err error) {
	f, err := os.CreateTemp("", "weft-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating output file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", f.Name(), cerr)
		}
	}()

	if err := MaterializeTo(f, p); err != nil {
		return "", err
	}
	trackTemp(f.Name())
	return f.Name(), nil
}

var (
	tempMu    sync.Mutex
	tempPaths []string
)

func trackTemp(path string) {
	tempMu.Lock()
	defer tempMu.Unlock()
	tempPaths = append(tempPaths, path)
}

// CleanupTemp removes every file created by Materialize in this process.
// Best-effort convenience for process exit, not a correctness guarantee:
// missing files are ignored and the first removal error is returned after
// attempting the rest.
func CleanupTemp() error {
	tempMu.Lock()
	paths := tempPaths
	tempPaths = nil
	tempMu.Unlock()

	var first error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}
