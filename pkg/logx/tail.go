package logx

import (
	"bytes"
	"sync"
)

// DefaultTailBytes is the Tail size used when NewTail gets n <= 0.
const DefaultTailBytes = 8 << 10

// Tail is an io.Writer that keeps only the last n bytes written to it.
// It collects bounded subprocess output for run records and error messages.
type Tail struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool

	// Set by NewRedactedTail. pending holds the last bytes of the stream that
	// could still be the start of a secret completed by the next write.
	redactor *Redactor
	pending  []byte
}

func NewTail(n int) *Tail {
	if n <= 0 {
		n = DefaultTailBytes
	}
	return &Tail{max: n}
}

// NewRedactedTail returns a Tail that masks the secrets registered with r
// before older output is dropped, so a cut never leaves part of a secret
// in the kept window.
func NewRedactedTail(n int, r *Redactor) *Tail {
	t := NewTail(n)
	t.redactor = r
	return t
}

func (b *Tail) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.redactor == nil {
		b.keep(p)
		return len(p), nil
	}
	b.pending = b.redactor.Redact(append(b.pending, p...))
	hold := b.redactor.longest() - 1
	if hold < 0 {
		hold = 0
	}
	if cut := len(b.pending) - hold; cut > 0 {
		b.keep(b.pending[:cut])
		b.pending = append(b.pending[:0:0], b.pending[cut:]...)
	}
	return len(p), nil
}

func (b *Tail) keep(p []byte) {
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		b.truncated = true
		return
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
}

// String returns the kept bytes, prefixed with "..." when older output was dropped.
func (b *Tail) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	view, truncated := b.buf, b.truncated
	if len(b.pending) > 0 {
		view = append(append([]byte(nil), b.buf...), b.redactor.Redact(b.pending)...)
		if over := len(view) - b.max; over > 0 {
			view = view[over:]
			truncated = true
		}
	}
	if !truncated {
		return string(view)
	}
	return "..." + string(b.redactor.maskLeadingFragment(view))
}

// maskLeadingFragment masks a trailing piece of a secret at the start of p,
// left behind when a window cut through a secret that was never masked
// (e.g. one registered after it was written).
func (r *Redactor) maskLeadingFragment(p []byte) []byte {
	if r == nil {
		return p
	}
	secrets, _ := r.secrets.Load().([][]byte)
	for _, s := range secrets {
		for k := len(s) - 1; k >= minSecretLen; k-- {
			if bytes.HasPrefix(p, s[len(s)-k:]) {
				return append([]byte(Mask), p[k:]...)
			}
		}
	}
	return p
}
