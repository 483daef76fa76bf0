package encoder

import "fmt"

// Scale value that passes the source resolution through unchanged.
const ScaleCopy = "copy"

// PlaylistVOD is the only playlist type the packager emits.
const PlaylistVOD = "vod"

// DefaultSegmentDuration is the HLS target segment length in seconds.
const DefaultSegmentDuration = 2

// RenditionSpec describes one video variant of the ladder.
// Bitrate is used for bitrate, maxrate and minrate alike so every variant is CBR.
type RenditionSpec struct {
	Bitrate      string // e.g. "5M"
	BufSize      string // e.g. "10M"
	Scale        string // "copy" or "WxH"
	Preset       string // x264 preset
	GOP          int    // keyframe interval in frames
	SceneCut     int    // 0 disables scene-cut keyframes
	AudioBitrate string // used only when the source has audio
}

// dims parses Scale; both are zero for passthrough.
func (r RenditionSpec) dims() (int, int) {
	var w, h int
	if r.Scale == "" || r.Scale == ScaleCopy {
		return 0, 0
	}
	if _, err := fmt.Sscanf(r.Scale, "%dx%d", &w, &h); err != nil {
		return 0, 0
	}
	return w, h
}

// AudioSpec is the encoding applied to the shared input audio track.
type AudioSpec struct {
	Codec    string
	Channels int
}

// Ladder is the ordered set of renditions produced per source. The index of a
// rendition is its stream index in -map, -var_stream_map and file naming.
type Ladder struct {
	Renditions []RenditionSpec
	Audio      AudioSpec
}

// Len returns the number of renditions.
func (l Ladder) Len() int { return len(l.Renditions) }

// DefaultAudioBitrates are the per-rendition AAC bitrates of the stock ladder.
var DefaultAudioBitrates = []string{"96k", "96k", "48k"}

// DefaultLadder returns the fixed three-step ladder: source resolution at 5M,
// 1280x720 at 3M and 640x360 at 1M. audioBitrates is applied per rendition; a
// shorter list repeats its last entry, an empty one falls back to
// DefaultAudioBitrates.
func DefaultLadder(audioBitrates []string, channels int) Ladder {
	if len(audioBitrates) == 0 {
		audioBitrates = DefaultAudioBitrates
	}
	if channels <= 0 {
		channels = 2
	}
	rs := []RenditionSpec{
		{Bitrate: "5M", BufSize: "10M", Scale: ScaleCopy},
		{Bitrate: "3M", BufSize: "3M", Scale: "1280x720"},
		{Bitrate: "1M", BufSize: "1M", Scale: "640x360"},
	}
	for i := range rs {
		rs[i].Preset = "slow"
		rs[i].GOP = 48
		rs[i].SceneCut = 0
		if i < len(audioBitrates) {
			rs[i].AudioBitrate = audioBitrates[i]
		} else {
			rs[i].AudioBitrate = audioBitrates[len(audioBitrates)-1]
		}
	}
	return Ladder{
		Renditions: rs,
		Audio:      AudioSpec{Codec: "aac", Channels: channels},
	}
}
