package logx

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Mask replaces every registered secret in log output.
const Mask = "***"

// minSecretLen keeps short values (e.g. "1", "ok") from shredding unrelated text.
const minSecretLen = 4

// Redactor masks registered secret values. The zero value is ready to use.
type Redactor struct {
	mu      sync.Mutex   // serializes writers
	secrets atomic.Value // stores [][]byte, longest first
}

// Add registers secrets in addition to the current ones.
func (r *Redactor) Add(secrets ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _ := r.secrets.Load().([][]byte)
	all := make([]string, 0, len(cur)+len(secrets))
	for _, b := range cur {
		all = append(all, string(b))
	}
	r.store(append(all, secrets...))
}

// Set replaces the registered secrets.
func (r *Redactor) Set(secrets ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(secrets)
}

func (r *Redactor) store(secrets []string) {
	uniq := map[string]struct{}{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < minSecretLen {
			continue
		}
		uniq[s] = struct{}{}
	}
	out := make([][]byte, 0, len(uniq))
	for s := range uniq {
		out = append(out, []byte(s))
	}
	// Longest first so a secret containing another one is masked whole.
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	r.secrets.Store(out)
}

// Redact returns p with every registered secret replaced by Mask.
// p is returned unchanged (same slice) when nothing matches.
func (r *Redactor) Redact(p []byte) []byte {
	if r == nil {
		return p
	}
	v, _ := r.secrets.Load().([][]byte)
	if len(v) == 0 {
		return p
	}
	out := p
	for _, s := range v {
		if bytes.Contains(out, s) {
			out = bytes.ReplaceAll(out, s, []byte(Mask))
		}
	}
	return out
}

// longest returns the length of the longest registered secret.
func (r *Redactor) longest() int {
	if r == nil {
		return 0
	}
	v, _ := r.secrets.Load().([][]byte)
	if len(v) == 0 {
		return 0
	}
	return len(v[0])
}

// RedactString is Redact for strings.
func (r *Redactor) RedactString(s string) string {
	return string(r.Redact([]byte(s)))
}

// Wrap returns a writer that redacts before forwarding to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactWriter{r: r, w: w}
}

type redactWriter struct {
	r *Redactor
	w io.Writer
}

// Write reports len(p) on success even when the redacted payload differs in size,
// so zerolog never sees a short write.
func (rw *redactWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write(rw.r.Redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
