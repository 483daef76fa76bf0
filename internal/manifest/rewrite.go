package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"hls-packager/internal/encoder"
)

// segmentLine matches a segment reference written next to its manifest,
// e.g. "data07.ts". References already carrying a directory do not match,
// which is what makes rewriting idempotent.
var segmentLine = regexp.MustCompile(`^` + regexp.QuoteMeta(encoder.SegmentPrefix) + `[0-9]+` + regexp.QuoteMeta(encoder.SegmentExt) + `$`)

// Rewrite prefixes every bare segment line of content with dir + "/".
// Line endings are preserved. changed is false when nothing matched.
func Rewrite(content, dir string) (out string, changed bool) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		body := strings.TrimSuffix(line, "\r")
		if !segmentLine.MatchString(strings.TrimSpace(body)) {
			continue
		}
		lines[i] = dir + "/" + strings.TrimSpace(body) + line[len(body):]
		changed = true
	}
	return strings.Join(lines, "\n"), changed
}

// RenditionDir returns the segment directory that belongs to a rendition
// manifest: its base name without extension.
func RenditionDir(manifestPath string) string {
	base := filepath.Base(manifestPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RewriteFile rewrites the manifest at path in place. The new content is
// written to a temporary sibling and renamed over the original.
func RewriteFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	out, changed := Rewrite(string(data), RenditionDir(path))
	if !changed {
		return false, nil
	}
	if err := writeAtomic(path, []byte(out)); err != nil {
		return false, err
	}
	return true, nil
}

// RewriteDir rewrites every rendition manifest found in dir, selected by
// extension; the master manifest is left alone. It returns the manifests it
// inspected, sorted by name.
func RewriteDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	var done []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || filepath.Ext(name) != encoder.ManifestExt || name == encoder.MasterManifest {
			continue
		}
		if _, err := RewriteFile(filepath.Join(dir, name)); err != nil {
			return done, fmt.Errorf("rewrite %s: %w", name, err)
		}
		done = append(done, name)
	}
	return done, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
