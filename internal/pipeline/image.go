package pipeline

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Image file names inside the output directory.
const (
	RootfsFile = "rootfs.tar"
	ConfigFile = "config.json"
)

// ImageConfig describes a built image.
type ImageConfig struct {
	Name       string            `json:"name"`
	Stage      string            `json:"stage"`
	Base       string            `json:"base,omitempty"`
	Packages   []string          `json:"packages,omitempty"`
	Entrypoint []string          `json:"entrypoint"`
	Env        []string          `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	// Digest is the sha256 of rootfs.tar.
	Digest string `json:"digest"`
}

// Entry is one rootfs member.
type Entry struct {
	Name     string      `json:"name"`
	Mode     fs.FileMode `json:"mode"`
	Size     int64       `json:"size"`
	Linkname string      `json:"linkname,omitempty"`
}

// Executable reports whether e is a regular file with any exec bit set.
func (e Entry) Executable() bool { return e.Mode.IsRegular() && e.Mode.Perm()&0o111 != 0 }

var epoch = time.Unix(0, 0).UTC()

// writeRootfs packs root into w as a reproducible tar: lexical order,
// fixed timestamps and no owner names. It returns the sha256 digest.
func writeRootfs(root string, w io.Writer) (string, error) {
	h := sha256.New()
	tw := tar.NewWriter(io.MultiWriter(w, h))

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		hdr.ModTime, hdr.AccessTime, hdr.ChangeTime = epoch, time.Time{}, time.Time{}
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		hdr.Format = tar.FormatPAX
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// writeImage writes rootfs.tar and config.json for root into outDir.
func writeImage(root, outDir string, cfg ImageConfig) (ImageConfig, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return cfg, err
	}
	tmp, err := os.CreateTemp(outDir, RootfsFile+".*")
	if err != nil {
		return cfg, err
	}
	defer os.Remove(tmp.Name())

	digest, err := writeRootfs(root, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cfg, fmt.Errorf("pack rootfs: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(outDir, RootfsFile)); err != nil {
		return cfg, err
	}

	cfg.Digest = digest
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return cfg, err
	}
	return cfg, os.WriteFile(filepath.Join(outDir, ConfigFile), append(b, '\n'), 0o644)
}

// ReadConfig loads config.json from an image directory.
func ReadConfig(imageDir string) (*ImageConfig, error) {
	b, err := os.ReadFile(filepath.Join(imageDir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var cfg ImageConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFile, err)
	}
	return &cfg, nil
}

// ListRootfs returns the members of an image's rootfs in archive order.
func ListRootfs(imageDir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(imageDir, RootfsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", RootfsFile, err)
		}
		out = append(out, Entry{
			Name:     hdr.Name,
			Mode:     hdr.FileInfo().Mode(),
			Size:     hdr.Size,
			Linkname: hdr.Linkname,
		})
	}
}

// Inspect returns the image config and the rootfs member names.
// Directory names end in "/".
func Inspect(imageDir string) (*ImageConfig, []string, error) {
	cfg, err := ReadConfig(imageDir)
	if err != nil {
		return nil, nil, err
	}
	entries, err := ListRootfs(imageDir)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return cfg, names, nil
}
