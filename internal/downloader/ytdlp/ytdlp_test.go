package ytdlp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

func TestFetchArgs(t *testing.T) {
	d := New(Options{
		FFmpegPath:  "/opt/ffmpeg",
		CookiesFile: "/etc/harvestd/cookies.txt",
	}, zap.NewNop())

	args := d.fetchArgs(harvest.FetchRequest{
		SourceID:   "dQw4w9WgXcQ",
		Quality:    "256k",
		TargetPath: "/library/00001 - A - B.mp3",
	})

	require.Contains(t, args, "--extract-audio")
	require.Contains(t, args, "256K")
	require.Contains(t, args, "/opt/ffmpeg")
	require.Contains(t, args, "/etc/harvestd/cookies.txt")
	require.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", args[len(args)-1])
}

func TestFetchArgsOmitsOptionalFlags(t *testing.T) {
	d := New(Options{}, zap.NewNop())

	args := d.fetchArgs(harvest.FetchRequest{SourceID: "abc", Quality: "128k", TargetPath: "/tmp/x.mp3"})
	require.NotContains(t, args, "--ffmpeg-location")
	require.NotContains(t, args, "--cookies")
}

func TestNewDefaultsBinary(t *testing.T) {
	d := New(Options{}, nil)
	require.Equal(t, "yt-dlp", d.opts.Binary)
}
