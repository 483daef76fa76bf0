package manifest

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"hls-packager/internal/encoder"
)

// ReadyMarker is written into a stream directory once its manifests have been
// rewritten and verified. Streams without it are not served.
const ReadyMarker = ".ready"

// ErrIncomplete is returned by Verify when the output tree does not hold a
// playable package.
var ErrIncomplete = errors.New("incomplete output")

// alignmentTolerance is how far segment durations at the same index may drift
// between renditions.
const alignmentTolerance = 0.1

// Rendition summarises one verified rendition manifest.
type Rendition struct {
	Manifest  string
	Bandwidth uint32
	Segments  int
	Duration  float64
}

// Report is the result of a successful Verify.
type Report struct {
	Renditions []Rendition
}

// Verify checks the package under dir: the master manifest lists exactly want
// variants, each variant manifest exists, every segment it references resolves
// to a file under dir, and segment boundaries agree across renditions.
func Verify(dir string, want int) (Report, error) {
	master, err := decode(filepath.Join(dir, encoder.MasterManifest), m3u8.MASTER)
	if err != nil {
		return Report{}, err
	}
	mp := master.(*m3u8.MasterPlaylist)
	if len(mp.Variants) != want {
		return Report{}, fmt.Errorf("%w: master lists %d variants, want %d", ErrIncomplete, len(mp.Variants), want)
	}

	var rep Report
	var durations [][]float64
	for _, v := range mp.Variants {
		name, err := localRef(v.URI)
		if err != nil {
			return Report{}, err
		}
		pl, err := decode(filepath.Join(dir, filepath.FromSlash(name)), m3u8.MEDIA)
		if err != nil {
			return Report{}, err
		}
		media := pl.(*m3u8.MediaPlaylist)

		r := Rendition{Manifest: name, Bandwidth: v.Bandwidth}
		var ds []float64
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			ref, err := localRef(seg.URI)
			if err != nil {
				return Report{}, err
			}
			if err := regularFile(filepath.Join(dir, filepath.FromSlash(ref))); err != nil {
				return Report{}, fmt.Errorf("%w: %s references %s: %v", ErrIncomplete, name, seg.URI, err)
			}
			ds = append(ds, seg.Duration)
			r.Duration += seg.Duration
		}
		if len(ds) == 0 {
			return Report{}, fmt.Errorf("%w: %s lists no segments", ErrIncomplete, name)
		}
		r.Segments = len(ds)
		rep.Renditions = append(rep.Renditions, r)
		durations = append(durations, ds)
	}

	if err := checkAlignment(rep.Renditions, durations); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// checkAlignment requires every rendition to cut segments at the same points.
func checkAlignment(rs []Rendition, durations [][]float64) error {
	for i := 1; i < len(durations); i++ {
		if len(durations[i]) != len(durations[0]) {
			return fmt.Errorf("%w: %s has %d segments, %s has %d", ErrIncomplete,
				rs[i].Manifest, len(durations[i]), rs[0].Manifest, len(durations[0]))
		}
		for j := range durations[i] {
			if math.Abs(durations[i][j]-durations[0][j]) > alignmentTolerance {
				return fmt.Errorf("%w: segment %d of %s is %.3fs, %s has %.3fs", ErrIncomplete,
					j, rs[i].Manifest, durations[i][j], rs[0].Manifest, durations[0][j])
			}
		}
	}
	return nil
}

func decode(p string, want m3u8.ListType) (m3u8.Playlist, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	defer f.Close()
	pl, lt, err := m3u8.DecodeFrom(f, false)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrIncomplete, filepath.Base(p), err)
	}
	if lt != want {
		return nil, fmt.Errorf("%w: %s has unexpected playlist type", ErrIncomplete, filepath.Base(p))
	}
	return pl, nil
}

// localRef accepts only relative references that stay inside the stream
// directory.
func localRef(uri string) (string, error) {
	u := strings.TrimSpace(uri)
	if u == "" || strings.Contains(u, "://") || strings.HasPrefix(u, "/") || strings.Contains(u, `\`) {
		return "", fmt.Errorf("%w: unsupported reference %q", ErrIncomplete, uri)
	}
	clean := path.Clean(u)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: reference %q leaves the stream directory", ErrIncomplete, uri)
	}
	return clean, nil
}

func regularFile(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", filepath.Base(p))
	}
	return nil
}

// MarkReady writes the ready marker into dir.
func MarkReady(dir string) error {
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := writeAtomic(filepath.Join(dir, ReadyMarker), []byte(stamp)); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// IsReady reports whether dir carries the ready marker.
func IsReady(dir string) bool {
	return regularFile(filepath.Join(dir, ReadyMarker)) == nil
}
