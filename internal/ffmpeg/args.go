package ffmpeg

import (
	"path/filepath"
	"strconv"
	"strings"
)

// HLSOptions describes a live HLS output.
type HLSOptions struct {
	InputURL       string
	Dir            string // <live>/<id>
	Name           string // camera id, used for playlist and segment names
	SegmentTime    int
	ListSize       int
	BufferSize     string
	SegmentPattern string // defaults to <name>-%05d.ts
}

// PlaylistPath is <dir>/<name>.m3u8.
func (o HLSOptions) PlaylistPath() string {
	return filepath.Join(o.Dir, o.Name+".m3u8")
}

// HLSArgs returns the ffmpeg arguments for a low-latency live HLS stream.
func HLSArgs(o HLSOptions) []string {
	pattern := o.SegmentPattern
	if pattern == "" {
		pattern = o.Name + "-%05d.ts"
	}
	args := inputArgs(o.InputURL, o.BufferSize, true)
	args = append(args,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(o.SegmentTime),
		"-hls_list_size", strconv.Itoa(o.ListSize),
		"-hls_flags", "delete_segments+omit_endlist+independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_allow_cache", "0",
		"-hls_segment_filename", filepath.Join(o.Dir, pattern),
		o.PlaylistPath(),
	)
	return args
}

// RecordOptions describes a segmented mp4 recording.
type RecordOptions struct {
	InputURL        string
	Dir             string // <record>/<id>
	Name            string
	SegmentDuration int
}

// RecordPattern is the strftime output pattern <dir>/<name>_YYYYmmddHHMMSS.mp4.
func (o RecordOptions) RecordPattern() string {
	return filepath.Join(o.Dir, o.Name+"_%Y%m%d%H%M%S.mp4")
}

// RecordArgs returns the ffmpeg arguments for clock-aligned mp4 segments.
func RecordArgs(o RecordOptions) []string {
	args := inputArgs(o.InputURL, "", false)
	args = append(args,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "segment",
		"-segment_time", strconv.Itoa(o.SegmentDuration),
		"-segment_format", "mp4",
		"-segment_format_options", "movflags=+faststart",
		"-segment_atclocktime", "1",
		"-reset_timestamps", "1",
		"-strftime", "1",
		o.RecordPattern(),
	)
	return args
}

func inputArgs(url, bufferSize string, lowLatency bool) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if lowLatency {
		args = append(args, "-fflags", "nobuffer+genpts", "-flags", "low_delay")
	}
	if isRTSP(url) {
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "5000000")
	}
	if bufferSize != "" {
		args = append(args, "-rtbufsize", bufferSize)
	}
	return append(args, "-i", url)
}

func isRTSP(url string) bool {
	u := strings.ToLower(url)
	return strings.HasPrefix(u, "rtsp://") || strings.HasPrefix(u, "rtsps://")
}

// Redact hides credentials in a camera URL for logging.
func Redact(url string) string {
	scheme := strings.Index(url, "://")
	if scheme < 0 {
		return url
	}
	rest := url[scheme+3:]
	at := strings.LastIndexByte(strings.SplitN(rest, "/", 2)[0], '@')
	if at < 0 {
		return url
	}
	return url[:scheme+3] + "***@" + rest[at+1:]
}
