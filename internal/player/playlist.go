package player

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotPlaylist is returned when the body does not start with #EXTM3U.
var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Segment is one media segment listed in a playlist.
type Segment struct {
	Sequence int64
	Duration float64
	URI      string
}

// Playlist is the subset of an HLS media playlist the player needs.
type Playlist struct {
	TargetDuration float64
	MediaSequence  int64
	Segments       []Segment
	EndList        bool
}

// ParsePlaylist parses an HLS media playlist.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pl := &Playlist{}
	first := true
	var pendingDuration float64
	var havePending bool
	seq := int64(0)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if strings.TrimPrefix(line, "\ufeff") != "#EXTM3U" {
				return nil, ErrNotPlaylist
			}
			first = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, fmt.Errorf("target duration: %w", err)
			}
			pl.TargetDuration = v
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("media sequence: %w", err)
			}
			pl.MediaSequence = v
			seq = v
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("segment duration: %w", err)
			}
			pendingDuration = d
			havePending = true
		case line == "#EXT-X-ENDLIST":
			pl.EndList = true
		case strings.HasPrefix(line, "#"):
			// other tags are ignored
		default:
			if !havePending {
				return nil, fmt.Errorf("segment %q without #EXTINF", line)
			}
			pl.Segments = append(pl.Segments, Segment{Sequence: seq, Duration: pendingDuration, URI: line})
			seq++
			havePending = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, ErrNotPlaylist
	}
	return pl, nil
}

// resolve returns the absolute URL of a segment relative to the playlist.
func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
