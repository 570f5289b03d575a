package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// stagePath maps an image path (absolute, or relative to workdir) into root.
// The returned string stays under root; symlinks created by run steps may
// still point outside it, see checkInRoot.
func stagePath(root, workdir, p string) string {
	if !path.IsAbs(p) {
		p = path.Join(workdirOrRoot(workdir), p)
	}
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+p)))
}

// contextPath maps a build-context relative path into dir.
func contextPath(dir, p string) string {
	return filepath.Join(dir, filepath.FromSlash(path.Clean("/"+p)))
}

// checkInRoot fails with ErrOutsideStage when resolving p, a path under root,
// follows a symlink out of root. A missing p is checked through its deepest
// existing parent. The last element is only followed when followLast is set.
func checkInRoot(root, p string, followLast bool) error {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return err
	}
	r, err := os.OpenRoot(root)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		if followLast {
			_, err = r.Stat(rel)
		} else {
			_, err = r.Lstat(rel)
		}
		if err == nil || rel == "." || !errors.Is(err, fs.ErrNotExist) {
			break
		}
		rel, followLast = filepath.Dir(rel), true
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrOutsideStage, p, err)
	}
	return nil
}

func workdirOrRoot(w string) string {
	if w == "" {
		return "/"
	}
	return path.Clean("/" + w)
}

// copyTree copies src (file, symlink or directory) to dst. Directory
// contents are merged into dst; existing files are overwritten.
func copyTree(ctx context.Context, src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyEntry(src, dst, info)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyEntry(p, target, info)
	})
}

func copyEntry(src, dst string, info fs.FileInfo) error {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(link, dst)
	case info.Mode().IsRegular():
		return copyFile(src, dst, info.Mode().Perm())
	default:
		return fmt.Errorf("unsupported file type %s: %s", info.Mode().Type(), src)
	}
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	_ = os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
