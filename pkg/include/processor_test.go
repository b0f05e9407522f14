package include

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndisidore/weft/pkg/address"
)

// memOpener is a test Opener serving content from an in-memory map keyed by
// address string. It counts opens and closes so tests can assert that every
// acquired source is released on every exit path.
type memOpener struct {
	files  map[string]string
	opens  int
	closes int
}

func (o *memOpener) Open(addr address.Address) (io.ReadCloser, error) {
	content, ok := o.files[addr.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, fs.ErrNotExist)
	}
	o.opens++
	return &countingCloser{Reader: strings.NewReader(content), opener: o}, nil
}

func (o *memOpener) balanced() bool { return o.opens == o.closes }

type countingCloser struct {
	io.Reader
	opener *memOpener
	closed bool
}

func (c *countingCloser) Close() error {
	if !c.closed {
		c.closed = true
		c.opener.closes++
	}
	return nil
}

// newTestProcessor builds a processor over the in-memory files rooted at root.
func newTestProcessor(t *testing.T, files map[string]string, root string, opts ...Option) (*Processor, *memOpener) {
	t.Helper()
	opener := &memOpener{files: files}
	addr, err := address.Parse(root)
	require.NoError(t, err)
	p, err := New(addr, append([]Option{WithOpener(opener)}, opts...)...)
	require.NoError(t, err)
	return p, opener
}

// drain pulls every remaining line via HasNext/Next.
func drain(t *testing.T, p *Processor) ([]string, error) {
	t.Helper()
	var lines []string
	for p.HasNext() {
		line, err := p.Next()
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func TestProcessorFlattening(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string]string
		want  []string
	}{
		{
			name: "no directives passes through verbatim",
			files: map[string]string{
				"/root.txt": "alpha\nbeta\ngamma\n",
			},
			want: []string{"alpha", "beta", "gamma"},
		},
		{
			name: "missing trailing terminator",
			files: map[string]string{
				"/root.txt": "alpha\nbeta",
			},
			want: []string{"alpha", "beta"},
		},
		{
			name: "crlf terminators stripped",
			files: map[string]string{
				"/root.txt": "alpha\r\nbeta\r\n",
			},
			want: []string{"alpha", "beta"},
		},
		{
			name: "single include splices child in place",
			files: map[string]string{
				"/root.txt": "start\n%include \"sub.txt\"\nend\n",
				"/sub.txt":  "middle\n",
			},
			want: []string{"start", "middle", "end"},
		},
		{
			name: "nested includes expand depth-first pre-order",
			files: map[string]string{
				"/root.txt": "root-pre\n%include \"a.txt\"\nroot-post\n",
				"/a.txt":    "a-pre\n%include \"b.txt\"\na-post\n",
				"/b.txt":    "b-1\nb-2\n",
			},
			want: []string{"root-pre", "a-pre", "b-1", "b-2", "a-post", "root-post"},
		},
		{
			name: "relative resolution follows the including file",
			files: map[string]string{
				"/conf/root.txt":  "top\n%include \"sub/a.txt\"\n",
				"/conf/sub/a.txt": "a\n%include \"b.txt\"\n",
				"/conf/sub/b.txt": "b\n",
			},
			want: []string{"top", "a", "b"},
		},
		{
			name: "empty included file vanishes",
			files: map[string]string{
				"/root.txt":  "before\n%include \"empty.txt\"\nafter\n",
				"/empty.txt": "",
			},
			want: []string{"before", "after"},
		},
		{
			name: "include as final line",
			files: map[string]string{
				"/root.txt": "only\n%include \"tail.txt\"\n",
				"/tail.txt": "the-end\n",
			},
			want: []string{"only", "the-end"},
		},
		{
			name: "same file included twice sequentially",
			files: map[string]string{
				"/root.txt": "%include \"d.txt\"\n%include \"d.txt\"\n",
				"/d.txt":    "dup\n",
			},
			want: []string{"dup", "dup"},
		},
		{
			name: "empty root",
			files: map[string]string{
				"/root.txt": "",
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := "/root.txt"
			if _, ok := tt.files[root]; !ok {
				root = "/conf/root.txt"
			}
			p, opener := newTestProcessor(t, tt.files, root)

			lines, err := drain(t, p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, lines)
			assert.True(t, opener.balanced(), "opens=%d closes=%d", opener.opens, opener.closes)

			// Exhausted processors stay exhausted.
			assert.False(t, p.HasNext())
			_, err = p.Next()
			assert.ErrorIs(t, err, ErrNoLineAvailable)
		})
	}
}

func TestProcessorDirectiveNeverEmitted(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t, map[string]string{
		"/root.txt": "%include \"a.txt\"\n",
		"/a.txt":    "%include \"b.txt\"\n",
		"/b.txt":    "payload\n",
	}, "/root.txt")

	lines, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"payload"}, lines)
}

func TestProcessorNestingLimit(t *testing.T) {
	t.Parallel()

	files := map[string]string{"/c5.txt": "deep\n"}
	for i := range 5 {
		files[fmt.Sprintf("/c%d.txt", i)] = fmt.Sprintf("%%include \"c%d.txt\"\n", i+1)
	}

	p, opener := newTestProcessor(t, files, "/c0.txt", WithMaxNesting(3))

	_, err := drain(t, p)
	require.ErrorIs(t, err, ErrNestingLimit)
	assert.Contains(t, err.Error(), "limit 3")
	assert.True(t, opener.balanced(), "opens=%d closes=%d", opener.opens, opener.closes)

	// Failure is terminal.
	assert.False(t, p.HasNext())
	_, err = p.Next()
	assert.ErrorIs(t, err, ErrNoLineAvailable)
}

func TestProcessorCycle(t *testing.T) {
	t.Parallel()

	p, opener := newTestProcessor(t, map[string]string{
		"/a.txt": "a\n%include \"b.txt\"\n",
		"/b.txt": "b\n%include \"a.txt\"\n",
	}, "/a.txt")

	lines, err := drain(t, p)
	require.ErrorIs(t, err, ErrCircularInclude)
	assert.Contains(t, err.Error(), "/a.txt -> /b.txt -> /a.txt")
	assert.Equal(t, []string{"a", "b"}, lines)
	assert.True(t, opener.balanced(), "opens=%d closes=%d", opener.opens, opener.closes)
}

func TestProcessorOpenFailure(t *testing.T) {
	t.Parallel()

	p, opener := newTestProcessor(t, map[string]string{
		"/root.txt": "before\n%include \"missing.txt\"\nafter\n",
	}, "/root.txt")

	lines, err := drain(t, p)
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, []string{"before"}, lines)
	assert.True(t, opener.balanced(), "opens=%d closes=%d", opener.opens, opener.closes)
}

func TestProcessorInvalidReference(t *testing.T) {
	t.Parallel()

	p, opener := newTestProcessor(t, map[string]string{
		"/root.txt": "%include \"\"\n",
	}, "/root.txt")

	_, err := drain(t, p)
	require.ErrorIs(t, err, address.ErrInvalidReference)
	assert.True(t, opener.balanced())
}

func TestProcessorRootOpenFailure(t *testing.T) {
	t.Parallel()

	opener := &memOpener{files: map[string]string{}}
	_, err := New(address.Local("/nope.txt"), WithOpener(opener))
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.True(t, opener.balanced())
}

func TestProcessorConstructionErrors(t *testing.T) {
	t.Parallel()

	opener := &memOpener{files: map[string]string{"/r.txt": ""}}

	_, err := New(address.Local("/r.txt"), WithOpener(opener), WithPattern("("))
	assert.ErrorIs(t, err, ErrBadPattern)

	_, err = New(address.Local("/r.txt"), WithOpener(opener), WithMaxNesting(0))
	assert.ErrorIs(t, err, ErrBadNesting)

	// Construction failures never open the root.
	assert.Zero(t, opener.opens)
}

func TestProcessorHasNextIdempotent(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t, map[string]string{
		"/root.txt": "one\ntwo\n",
	}, "/root.txt")

	for range 3 {
		assert.True(t, p.HasNext())
	}
	line, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", line)
}

func TestProcessorNextWithoutHasNext(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t, map[string]string{
		"/root.txt": "solo\n",
	}, "/root.txt")

	// Next works without a prior HasNext call.
	line, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "solo", line)

	_, err = p.Next()
	assert.ErrorIs(t, err, ErrNoLineAvailable)
}

func TestProcessorClose(t *testing.T) {
	t.Parallel()

	p, opener := newTestProcessor(t, map[string]string{
		"/root.txt": "a\n%include \"sub.txt\"\nb\n",
		"/sub.txt":  "s1\ns2\n",
	}, "/root.txt")

	require.True(t, p.HasNext())
	line, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", line)

	// Step into the include so two sources are open, then tear down early.
	line, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "s1", line)

	require.NoError(t, p.Close())
	assert.True(t, opener.balanced(), "opens=%d closes=%d", opener.opens, opener.closes)

	assert.False(t, p.HasNext())
	_, err = p.Next()
	assert.ErrorIs(t, err, ErrNoLineAvailable)

	// Close is idempotent.
	require.NoError(t, p.Close())
}

func TestProcessorCustomPattern(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t, map[string]string{
		"/root.txt": "start\n#use <sub.txt>\n%include \"sub.txt\"\nend\n",
		"/sub.txt":  "middle\n",
	}, "/root.txt", WithPattern(`#use <([^>]+)>`))

	lines, err := drain(t, p)
	require.NoError(t, err)
	// The default directive shape is ordinary content under a custom pattern.
	assert.Equal(t, []string{"start", "middle", `%include "sub.txt"`, "end"}, lines)
}

func TestProcessorFromReader(t *testing.T) {
	t.Parallel()

	t.Run("plain stream", func(t *testing.T) {
		t.Parallel()

		p, err := NewFromReader(strings.NewReader("one\ntwo\n"))
		require.NoError(t, err)

		lines, err := drain(t, p)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, lines)
	})

	t.Run("qualified include from stream", func(t *testing.T) {
		t.Parallel()

		opener := &memOpener{files: map[string]string{
			"http://host/x.conf": "remote\n",
		}}
		p, err := NewFromReader(
			strings.NewReader("start\n%include \"http://host/x.conf\"\nend\n"),
			WithOpener(opener),
		)
		require.NoError(t, err)

		lines, err := drain(t, p)
		require.NoError(t, err)
		assert.Equal(t, []string{"start", "remote", "end"}, lines)
		assert.True(t, opener.balanced())
	})

	t.Run("closes underlying read closer", func(t *testing.T) {
		t.Parallel()

		opener := &memOpener{files: map[string]string{}}
		rc := &countingCloser{Reader: strings.NewReader("x\n"), opener: opener}
		opener.opens++ // hand-opened

		p, err := NewFromReader(rc, WithOpener(opener))
		require.NoError(t, err)

		_, err = drain(t, p)
		require.NoError(t, err)
		assert.True(t, opener.balanced())
	})
}

func TestProcessorAll(t *testing.T) {
	t.Parallel()

	t.Run("yields every line", func(t *testing.T) {
		t.Parallel()

		p, _ := newTestProcessor(t, map[string]string{
			"/root.txt": "start\n%include \"sub.txt\"\nend\n",
			"/sub.txt":  "middle\n",
		}, "/root.txt")

		var lines []string
		for line, err := range p.All() {
			require.NoError(t, err)
			lines = append(lines, line)
		}
		assert.Equal(t, []string{"start", "middle", "end"}, lines)
	})

	t.Run("stops after yielding a fatal error", func(t *testing.T) {
		t.Parallel()

		p, opener := newTestProcessor(t, map[string]string{
			"/root.txt": "ok\n%include \"gone.txt\"\nnever\n",
		}, "/root.txt")

		var lines []string
		var gotErr error
		for line, err := range p.All() {
			if err != nil {
				gotErr = err
				continue
			}
			lines = append(lines, line)
		}
		require.ErrorIs(t, gotErr, fs.ErrNotExist)
		assert.Equal(t, []string{"ok"}, lines)
		assert.True(t, opener.balanced())
	})
}

func TestProcessorReadFailure(t *testing.T) {
	t.Parallel()

	errBroken := errors.New("connection reset")
	opener := &readerOpener{r: io.MultiReader(
		strings.NewReader("good\n"),
		&failingReader{err: errBroken},
	)}

	p, err := New(address.Local("/root.txt"), WithOpener(opener))
	require.NoError(t, err)

	lines, err := drain(t, p)
	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, []string{"good"}, lines)
	assert.Equal(t, 1, opener.closes)
}

// readerOpener serves a fixed reader for any address, counting closes.
type readerOpener struct {
	r      io.Reader
	closes int
}

func (o *readerOpener) Open(address.Address) (io.ReadCloser, error) {
	return &funcCloser{Reader: o.r, onClose: func() { o.closes++ }}, nil
}

type funcCloser struct {
	io.Reader
	onClose func()
}

func (f *funcCloser) Close() error {
	f.onClose()
	return nil
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
