package library

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanTitle(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Intergalactic (Official Video)", "Intergalactic"},
		{"Sabotage [Official Music Video]", "Sabotage"},
		{"Song Title (Official Audio)", "Song Title"},
		{"Track (Lyric Video)", "Track"},
		{"Epic Tune [HD]", "Epic Tune"},
		{"Album Cut (Remastered 2009)", "Album Cut"},
		{"Plain Title", "Plain Title"},
		{"  Spaced   Out  ", "Spaced Out"},
		{"Name Official Video", "Name"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CleanTitle(tc.raw), "raw=%q", tc.raw)
	}
}

func TestSplitArtistTitle(t *testing.T) {
	artist, title := SplitArtistTitle("Beastie Boys - Intergalactic (Official Video)", "uploader")
	require.Equal(t, "Beastie Boys", artist)
	require.Equal(t, "Intergalactic", title)

	artist, title = SplitArtistTitle("Just A Title", "Some Channel")
	require.Equal(t, "Some Channel", artist)
	require.Equal(t, "Just A Title", title)

	artist, _ = SplitArtistTitle("No Split Here", "Beastie Boys - Topic")
	require.Equal(t, "Beastie Boys", artist)
}

func TestSanitizeFileName(t *testing.T) {
	require.Equal(t, "ACDC BackInBlack", SanitizeFileName(`AC/DC: Back\In|Black?`))
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	require.LessOrEqual(t, len(SanitizeFileName(string(long))), 180)
}

func TestFileName(t *testing.T) {
	require.Equal(t, "00042 - Beastie Boys - Intergalactic.mp3",
		FileName(42, "Beastie Boys", "Intergalactic"))
}

func TestNextIndex(t *testing.T) {
	dir := t.TempDir()

	idx, err := NextIndex(dir)
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	for _, name := range []string{
		"00001 - A - B.mp3",
		"00017 - C - D.mp3",
		"00005 - E - F.mp3",
		"not-indexed.mp3",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	idx, err = NextIndex(dir)
	require.NoError(t, err)
	require.Equal(t, 18, idx)

	idx, err = NextIndex(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestAllocatorStartsPastExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00009 - X - Y.mp3"), nil, 0o644))

	alloc, err := NewAllocator(dir)
	require.NoError(t, err)

	path := alloc.NextPath("Beastie Boys - Sabotage [Official Music Video]", "whatever")
	require.Equal(t, filepath.Join(dir, "00010 - Beastie Boys - Sabotage.mp3"), path)

	path = alloc.NextPath("Beastie Boys - Intergalactic", "whatever")
	require.Equal(t, filepath.Join(dir, "00011 - Beastie Boys - Intergalactic.mp3"), path)
}

func TestAllocatorConcurrentPathsAreUnique(t *testing.T) {
	alloc, err := NewAllocator(t.TempDir())
	require.NoError(t, err)

	const workers = 16
	paths := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i] = alloc.NextPath("Artist - Track", "uploader")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, workers)
	for _, p := range paths {
		require.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
}
