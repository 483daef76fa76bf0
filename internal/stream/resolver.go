package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hls-packager/internal/encoder"
	"hls-packager/internal/manifest"
)

// Resolver maps logical (stream, rendition, segment) names to files under the
// output root. Every joined path is cleaned and bound-checked before the
// filesystem is touched, and checked again with symlinks resolved; nothing is
// cached, so each call sees the current tree.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver for root, which is made absolute.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	return &Resolver{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute output root.
func (r *Resolver) Root() string { return r.root }

// StreamDir returns the directory name maps to without checking that it
// exists.
func (r *Resolver) StreamDir(name Name) (string, error) {
	if err := checkElement(string(name)); err != nil {
		return "", err
	}
	if err := checkName(string(name)); err != nil {
		return "", err
	}
	p := filepath.Join(r.root, string(name))
	if filepath.Dir(p) != r.root {
		return "", invalidf("stream name %q escapes the output root", name)
	}
	return p, nil
}

// ResolveStream returns the directory of a ready stream. label may carry an
// extension, which is ignored.
func (r *Resolver) ResolveStream(label string) (string, error) {
	name, err := ParseName(label)
	if err != nil {
		return "", err
	}
	dir, err := r.StreamDir(name)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", notFoundf("stream %q", name)
	}
	if !manifest.IsReady(dir) {
		return "", notFoundf("stream %q is not ready", name)
	}
	return dir, nil
}

// ResolveManifest returns the master manifest when rendition is empty, else
// the named rendition manifest. A bare rendition name such as "stream_0" gets
// the manifest extension appended.
func (r *Resolver) ResolveManifest(label, rendition string) (string, error) {
	dir, err := r.ResolveStream(label)
	if err != nil {
		return "", err
	}
	file := encoder.MasterManifest
	if rendition != "" {
		file = rendition
		if filepath.Ext(file) == "" {
			file += encoder.ManifestExt
		}
		if filepath.Ext(file) != encoder.ManifestExt {
			return "", invalidf("%q is not a manifest", rendition)
		}
	}
	return r.file(dir, file)
}

// ResolveSegment returns a segment nested one level below the stream
// directory, i.e. <stream>/<renditionDir>/<segment>.
func (r *Resolver) ResolveSegment(label, renditionDir, segment string) (string, error) {
	dir, err := r.ResolveStream(label)
	if err != nil {
		return "", err
	}
	if err := checkElement(renditionDir); err != nil {
		return "", err
	}
	if err := checkSegment(segment); err != nil {
		return "", err
	}
	return r.file(dir, renditionDir, segment)
}

// ResolveFlatSegment returns a segment stored directly in the stream
// directory, the layout produced before segments moved into rendition
// subdirectories.
func (r *Resolver) ResolveFlatSegment(label, segment string) (string, error) {
	dir, err := r.ResolveStream(label)
	if err != nil {
		return "", err
	}
	if err := checkSegment(segment); err != nil {
		return "", err
	}
	return r.file(dir, segment)
}

// file joins elems under dir, bound-checks the result and requires a regular file.
func (r *Resolver) file(dir string, elems ...string) (string, error) {
	for _, e := range elems {
		if err := checkElement(e); err != nil {
			return "", err
		}
	}
	p := filepath.Join(append([]string{dir}, elems...)...)
	if !within(r.root, p) {
		return "", invalidf("path escapes the output root")
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", notFoundf("%s", strings.Join(elems, "/"))
	}
	if err := r.contains(p); err != nil {
		return "", err
	}
	return p, nil
}

// contains rejects p when, with symlinks resolved, it lies outside the root.
func (r *Resolver) contains(p string) error {
	root, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return ioFailure("resolve output root", err)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return notFoundf("%s", filepath.Base(p))
	}
	if !within(root, resolved) {
		return invalidf("path escapes the output root")
	}
	return nil
}

// checkElement accepts a single, visible path element.
func checkElement(s string) error {
	switch {
	case s == "":
		return invalidf("empty path element")
	case strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0):
		return invalidf("%q must be a single path element", s)
	case strings.HasPrefix(s, "."):
		return invalidf("%q is not a servable name", s)
	case filepath.IsAbs(s) || filepath.VolumeName(s) != "":
		return invalidf("%q must be relative", s)
	}
	return nil
}

func checkSegment(s string) error {
	if err := checkElement(s); err != nil {
		return err
	}
	if filepath.Ext(s) != encoder.SegmentExt {
		return invalidf("%q is not a segment", s)
	}
	return nil
}

// within reports whether p lies strictly inside root.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
