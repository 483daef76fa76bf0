package encoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Output tree naming. The rewriter and resolver depend on these staying in sync
// with the patterns handed to the encoder.
const (
	MasterManifest  = "master.m3u8"
	ManifestExt     = ".m3u8"
	RenditionPrefix = "stream_"
	SegmentPrefix   = "data"
	SegmentExt      = ".ts"

	videoCodec   = "libx264"
	x264CBR      = "nal-hrd=cbr:force_cfr=1"
	segmentType  = "mpegts"
	hlsFlags     = "independent_segments"
	variantToken = "%v"
)

// RenditionName returns the directory and manifest base name for stream index i.
func RenditionName(i int) string {
	return RenditionPrefix + strconv.Itoa(i)
}

// Job is a single encoder invocation. It is built once per creation request and
// handed to the executor as an argument list.
type Job struct {
	Source          string
	OutputDir       string
	Ladder          Ladder
	HasAudio        bool
	SegmentDuration int
	PlaylistType    string
}

// NewJob returns a VOD job with the given ladder. segmentDuration <= 0 means
// DefaultSegmentDuration.
func NewJob(source, outputDir string, ladder Ladder, hasAudio bool, segmentDuration int) Job {
	if segmentDuration <= 0 {
		segmentDuration = DefaultSegmentDuration
	}
	return Job{
		Source:          source,
		OutputDir:       outputDir,
		Ladder:          ladder,
		HasAudio:        hasAudio,
		SegmentDuration: segmentDuration,
		PlaylistType:    PlaylistVOD,
	}
}

// BuildArgs returns the ordered encoder arguments for j. Every rendition gets
// the same GOP length with scene-cut detection disabled so keyframes, and
// therefore segment boundaries, line up across the ladder.
//
// It panics on an empty ladder.
func BuildArgs(j Job) []string {
	n := j.Ladder.Len()
	if n == 0 {
		panic("encoder: empty ladder")
	}

	args := []string{
		"-i", j.Source,
		"-filter_complex", filterGraph(j.Ladder),
	}

	for i, r := range j.Ladder.Renditions {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", "[v"+idx+"out]",
			"-c:v:"+idx, videoCodec,
			"-x264-params:v:"+idx, x264CBR,
			"-b:v:"+idx, r.Bitrate,
			"-maxrate:v:"+idx, r.Bitrate,
			"-minrate:v:"+idx, r.Bitrate,
			"-bufsize:v:"+idx, r.BufSize,
			"-preset:v:"+idx, r.Preset,
			"-g:v:"+idx, strconv.Itoa(r.GOP),
			"-keyint_min:v:"+idx, strconv.Itoa(r.GOP),
			"-sc_threshold:v:"+idx, strconv.Itoa(r.SceneCut),
		)
	}

	if j.HasAudio {
		for i, r := range j.Ladder.Renditions {
			idx := strconv.Itoa(i)
			args = append(args,
				"-map", "0:a:0",
				"-c:a:"+idx, j.Ladder.Audio.Codec,
				"-b:a:"+idx, r.AudioBitrate,
				"-ac:a:"+idx, strconv.Itoa(j.Ladder.Audio.Channels),
			)
		}
	}

	playlistType := j.PlaylistType
	if playlistType == "" {
		playlistType = PlaylistVOD
	}
	segDur := j.SegmentDuration
	if segDur <= 0 {
		segDur = DefaultSegmentDuration
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segDur),
		"-hls_playlist_type", playlistType,
		"-hls_flags", hlsFlags,
		"-hls_segment_type", segmentType,
		"-hls_segment_filename", filepath.Join(j.OutputDir, RenditionPrefix+variantToken, SegmentPrefix+"%02d"+SegmentExt),
		"-master_pl_name", MasterManifest,
		"-var_stream_map", VariantStreamMap(n, j.HasAudio),
		filepath.Join(j.OutputDir, RenditionPrefix+variantToken+ManifestExt),
	)
	return args
}

// VariantStreamMap pairs each video index with its audio index, e.g.
// "v:0,a:0 v:1,a:1". Without audio only the video entries are listed.
func VariantStreamMap(n int, hasAudio bool) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		if hasAudio {
			parts[i] = fmt.Sprintf("v:%d,a:%d", i, i)
		} else {
			parts[i] = fmt.Sprintf("v:%d", i)
		}
	}
	return strings.Join(parts, " ")
}

// filterGraph splits the first video stream into one branch per rendition and
// scales every branch except passthrough ones.
func filterGraph(l Ladder) string {
	var b strings.Builder
	n := l.Len()
	fmt.Fprintf(&b, "[0:v]split=%d", n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[v%d]", i)
	}
	for i, r := range l.Renditions {
		b.WriteString(";")
		if w, h := r.dims(); w > 0 && h > 0 {
			fmt.Fprintf(&b, "[v%d]scale=w=%d:h=%d[v%dout]", i, w, h, i)
		} else {
			fmt.Fprintf(&b, "[v%d]copy[v%dout]", i, i)
		}
	}
	return b.String()
}
