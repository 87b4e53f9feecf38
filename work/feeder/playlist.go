package feeder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"

	"audio-relay/work/logger"
)

// IsPlaylist reports whether path names an M3U/M3U8 playlist.
func IsPlaylist(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u", ".m3u8":
		return true
	}
	return false
}

// Sources expands path into the ordered list of local files to send. A plain
// audio file is returned as is; a playlist is resolved to its entries,
// relative to the playlist's directory.
func Sources(path string) ([]string, error) {
	if !IsPlaylist(path) {
		return []string{path}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()

	entries, err := parsePlaylist(f)
	if err != nil {
		return nil, fmt.Errorf("playlist %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("playlist %s has no entries", path)
	}

	base := filepath.Dir(path)
	for i, e := range entries {
		if strings.Contains(e, "://") {
			return nil, fmt.Errorf("playlist %s: remote entry %q is not supported", path, e)
		}
		if !filepath.IsAbs(e) {
			entries[i] = filepath.Join(base, e)
		}
	}
	return entries, nil
}

// parsePlaylist tries the HLS media playlist parser first and falls back to
// reading one entry per line for simple M3U lists.
func parsePlaylist(r io.ReadSeeker) ([]string, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(r), true)
	if err == nil {
		switch listType {
		case m3u8.MEDIA:
			media := playlist.(*m3u8.MediaPlaylist)
			var out []string
			for _, seg := range media.Segments {
				if seg == nil {
					break
				}
				out = append(out, seg.URI)
			}
			logger.Debug("{feeder - parsePlaylist} media playlist with %d segments", len(out))
			return out, nil
		case m3u8.MASTER:
			return nil, fmt.Errorf("master playlists are not supported, pass a media playlist")
		}
	}

	logger.Debug("{feeder - parsePlaylist} HLS parser failed, using line parser: %v", err)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
