// Package library shapes harvested metadata into the on-disk layout the
// media library expects: cleaned titles, artist extraction, and stable
// sequential file names.
package library

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Patterns stripped from raw upstream titles. Matched case-insensitively,
// parenthesised or bracketed variants included.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[([](official\s+)?(music\s+)?video[)\]]`),
	regexp.MustCompile(`(?i)[([](official\s+)?(audio|lyrics?|lyric\s+video)[)\]]`),
	regexp.MustCompile(`(?i)[([](hd|hq|4k|1080p|720p)[)\]]`),
	regexp.MustCompile(`(?i)[([](full\s+album|visualizer|remaster(ed)?(\s+\d{4})?)[)\]]`),
	regexp.MustCompile(`(?i)\bofficial\s+(music\s+)?video\b`),
	regexp.MustCompile(`(?i)\bofficial\s+audio\b`),
}

var spaceRun = regexp.MustCompile(`\s{2,}`)

// Characters that cannot appear in file names on the filesystems the library
// syncs across.
var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// CleanTitle strips promotional noise and normalizes whitespace in a raw
// upstream title.
func CleanTitle(raw string) string {
	title := raw
	for _, p := range noisePatterns {
		title = p.ReplaceAllString(title, "")
	}
	title = spaceRun.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

// SplitArtistTitle extracts an artist and track title from the common
// "Artist - Title" convention. When no separator is present the uploader is
// used as the artist and the whole cleaned string as the title.
func SplitArtistTitle(raw, uploader string) (artist, title string) {
	cleaned := CleanTitle(raw)
	if idx := strings.Index(cleaned, " - "); idx > 0 {
		artist = strings.TrimSpace(cleaned[:idx])
		title = strings.TrimSpace(cleaned[idx+3:])
		if artist != "" && title != "" {
			return artist, title
		}
	}
	artist = strings.TrimSpace(uploader)
	artist = strings.TrimSuffix(artist, " - Topic")
	return artist, cleaned
}

// SanitizeFileName removes characters that are unsafe in file names and
// bounds the length so the full path stays portable.
func SanitizeFileName(name string) string {
	s := unsafeChars.ReplaceAllString(name, "")
	s = spaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	const maxLen = 180
	if len(s) > maxLen {
		s = strings.TrimSpace(s[:maxLen])
	}
	return s
}

// FileName renders the canonical library name for one track.
func FileName(index int, artist, title string) string {
	base := fmt.Sprintf("%05d - %s - %s", index, artist, title)
	return SanitizeFileName(base) + ".mp3"
}

var indexPrefix = regexp.MustCompile(`^(\d{5}) - `)

// NextIndex scans dir for files following the "%05d - " convention and
// returns one past the highest index found. An empty or missing directory
// starts at 1.
func NextIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read library dir %s: %w", dir, err)
	}
	max := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := indexPrefix.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Allocator hands out sequential library paths. The directory is scanned
// once at construction and later allocations are serialized, so concurrent
// workers never share a sequence number.
type Allocator struct {
	dir string

	mu   sync.Mutex
	next int
}

// NewAllocator scans dir for the highest existing index and starts one past
// it.
func NewAllocator(dir string) (*Allocator, error) {
	idx, err := NextIndex(dir)
	if err != nil {
		return nil, err
	}
	return &Allocator{dir: dir, next: idx}, nil
}

// NextPath claims the next sequence number and renders the library path for
// one track.
func (a *Allocator) NextPath(rawTitle, uploader string) string {
	a.mu.Lock()
	idx := a.next
	a.next++
	a.mu.Unlock()
	artist, title := SplitArtistTitle(rawTitle, uploader)
	return filepath.Join(a.dir, FileName(idx, artist, title))
}
