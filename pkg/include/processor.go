// Package include implements a pull-based include-directive preprocessor.
// A Processor reads a root source line by line, and whenever a line matches
// the configured include pattern it splices in the referenced resource's
// content in place of the directive, recursively and lazily. References are
// resolved relative to whichever address produced the current line, so local
// files and network resources can include each other freely. Nesting depth
// and include cycles are both hard errors, and every opened source is
// released on every exit path.
package include

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/ndisidore/weft/pkg/address"
	"github.com/ndisidore/weft/pkg/fetch"
)

// DefaultMaxNesting bounds the number of simultaneously open sources.
const DefaultMaxNesting = 100

type config struct {
	pattern string
	max     int
	opener  Opener
	log     *slog.Logger
}

// Option configures a Processor at construction.
type Option func(*config)

// WithPattern sets the include-directive pattern. It must compile and
// contain exactly one capture group yielding the reference string.
func WithPattern(pattern string) Option {
	return func(c *config) { c.pattern = pattern }
}

// WithMaxNesting sets the maximum number of simultaneously open sources
// (root included). Exceeding it is a hard failure, not a truncation.
func WithMaxNesting(n int) Option {
	return func(c *config) { c.max = n }
}

// WithOpener sets the collaborator that opens resolved addresses.
func WithOpener(o Opener) Option {
	return func(c *config) { c.opener = o }
}

// WithLogger sets the logger used for debug-level stack tracing.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// Processor flattens an include tree into a single ordered sequence of
// lines. It owns every source on its stack exclusively and is not safe for
// concurrent use; iteration is strictly single-threaded and pull-based.
type Processor struct {
	matcher *Matcher
	opener  Opener
	max     int
	log     *slog.Logger

	stack       []*source
	ancestors   []string
	ancestorSet map[string]struct{}

	pending *string // peeked line awaiting delivery
	fail    error   // fatal error awaiting delivery
	done    bool    // terminal: exhausted, closed, or failure delivered
}

func newConfig(opts []Option) config {
	cfg := config{
		pattern: DefaultPattern,
		max:     DefaultMaxNesting,
		opener:  fetch.Auto{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newProcessor(cfg config) (*Processor, error) {
	m, err := NewMatcher(cfg.pattern)
	if err != nil {
		return nil, err
	}
	if cfg.max <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBadNesting, cfg.max)
	}
	return &Processor{
		matcher:     m,
		opener:      cfg.opener,
		max:         cfg.max,
		log:         cfg.log,
		ancestorSet: make(map[string]struct{}),
	}, nil
}

// New constructs a Processor rooted at the given address. The root is
// opened eagerly, so open failures surface here rather than on first pull.
func New(root address.Address, opts ...Option) (*Processor, error) {
	p, err := newProcessor(newConfig(opts))
	if err != nil {
		return nil, err
	}
	rc, err := p.opener.Open(root)
	if err != nil {
		return nil, fmt.Errorf("opening root %s: %w", root, err)
	}
	p.pushFrame(root, rc)
	return p, nil
}

// NewFromReader constructs a Processor over a pre-opened stream. The top
// frame has no containing address, so relative references found directly in
// the stream resolve against the process working directory (best effort);
// fully-qualified network references are unaffected. If r is an
// io.ReadCloser it is closed with the processor.
func NewFromReader(r io.Reader, opts ...Option) (*Processor, error) {
	p, err := newProcessor(newConfig(opts))
	if err != nil {
		return nil, err
	}
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	p.pushFrame(address.Address{}, rc)
	return p, nil
}

// pushFrame wraps rc as the new top of stack and records its ancestry.
func (p *Processor) pushFrame(addr address.Address, rc io.ReadCloser) {
	p.stack = append(p.stack, newSource(addr, rc))
	key := addr.String()
	p.ancestors = append(p.ancestors, key)
	if !addr.IsZero() {
		p.ancestorSet[key] = struct{}{}
	}
	p.log.Debug("source pushed", slog.String("address", key), slog.Int("depth", len(p.stack)))
}

// popFrame closes the exhausted top source and drops its ancestry entry.
func (p *Processor) popFrame() error {
	top := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	last := p.ancestors[len(p.ancestors)-1]
	p.ancestors = p.ancestors[:len(p.ancestors)-1]
	delete(p.ancestorSet, last)
	p.log.Debug("source popped", slog.String("address", last), slog.Int("depth", len(p.stack)))
	return top.close()
}

// openChild resolves ref against the including source's address, runs the
// nesting and cycle checks, and pushes the opened child as the new top.
func (p *Processor) openChild(base address.Address, ref string) error {
	if len(p.stack) >= p.max {
		return fmt.Errorf("%w: limit %d reached resolving %q", ErrNestingLimit, p.max, ref)
	}
	child, err := base.Resolve(ref)
	if err != nil {
		return err
	}
	if _, seen := p.ancestorSet[child.String()]; seen {
		chain := strings.Join(append(p.ancestors[:len(p.ancestors):len(p.ancestors)], child.String()), " -> ")
		return fmt.Errorf("%w: %s", ErrCircularInclude, chain)
	}
	rc, err := p.opener.Open(child)
	if err != nil {
		return fmt.Errorf("opening %s: %w", child, err)
	}
	p.pushFrame(child, rc)
	return nil
}

// fill advances until a deliverable line, a fatal error, or exhaustion is
// buffered. Directive lines are consumed, never buffered.
func (p *Processor) fill() {
	if p.pending != nil || p.fail != nil || p.done {
		return
	}
	for {
		if len(p.stack) == 0 {
			p.done = true
			return
		}
		top := p.stack[len(p.stack)-1]
		line, ok, err := top.next()
		if err != nil {
			p.failWith(err)
			return
		}
		if !ok {
			if err := p.popFrame(); err != nil {
				p.failWith(err)
				return
			}
			continue
		}
		ref, matched := p.matcher.Match(line)
		if !matched {
			p.pending = &line
			return
		}
		if err := p.openChild(top.addr, ref); err != nil {
			p.failWith(err)
			return
		}
	}
}

// failWith records a fatal error and releases every open source before the
// error can surface, so no handle dangles past the failing Next call.
func (p *Processor) failWith(err error) {
	p.fail = err
	if cerr := p.releaseAll(); cerr != nil {
		p.log.Warn("releasing sources after failure", slog.String("error", cerr.Error()))
	}
}

// releaseAll closes all open sources in reverse order of acquisition.
func (p *Processor) releaseAll() error {
	var errs []error
	for len(p.stack) > 0 {
		if err := p.popFrame(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasNext reports whether another call to Next will yield a line or a
// pending fatal error. It never consumes observable output and is
// idempotent: repeated calls return the same answer until Next is called.
func (p *Processor) HasNext() bool {
	p.fill()
	return p.pending != nil || p.fail != nil
}

// Next returns the next flattened line, trailing terminator stripped.
// Output lines appear in depth-first pre-order of the include tree, exactly
// as a textual substitution of every directive would read top to bottom;
// directive lines themselves are never emitted. A fatal error (invalid
// reference, open failure, nesting limit, cycle, read failure) is delivered
// once, with all sources already released; afterwards the processor is
// terminal. Calling Next with nothing available returns ErrNoLineAvailable.
func (p *Processor) Next() (string, error) {
	p.fill()
	switch {
	case p.fail != nil:
		err := p.fail
		p.fail = nil
		p.done = true
		return "", err
	case p.pending != nil:
		line := *p.pending
		p.pending = nil
		return line, nil
	default:
		return "", ErrNoLineAvailable
	}
}

// All returns an iterator over the remaining flattened lines. Iteration
// stops after yielding a fatal error.
func (p *Processor) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for p.HasNext() {
			line, err := p.Next()
			if !yield(line, err) || err != nil {
				return
			}
		}
	}
}

// Close releases every source still open. It is safe to call at any point
// and more than once; a closed processor yields no further lines.
func (p *Processor) Close() error {
	p.pending = nil
	p.fail = nil
	p.done = true
	return p.releaseAll()
}
