// Package ytdlp adapts the external yt-dlp tool to the harvest.Downloader
// interface. Every fetch is one subprocess invocation; diagnostics come back
// in the FetchResult so the classifier can read status codes out of the
// tool's stderr.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// Options configures the adapter.
type Options struct {
	// Binary is the yt-dlp executable, resolved through PATH when relative.
	Binary string
	// FFmpegPath overrides the ffmpeg location used for audio extraction.
	FFmpegPath string
	// CookiesFile is passed through when set. Device-specific sessions are
	// handled upstream; this is a shared fallback.
	CookiesFile string
	// Timeout bounds one fetch attempt.
	Timeout time.Duration
}

// Downloader shells out to yt-dlp.
type Downloader struct {
	opts   Options
	logger *zap.Logger
}

var _ harvest.Downloader = (*Downloader)(nil)

// New returns a Downloader for the given options.
func New(opts Options, logger *zap.Logger) *Downloader {
	if opts.Binary == "" {
		opts.Binary = "yt-dlp"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{opts: opts, logger: logger}
}

// Fetch downloads one source at the requested quality into req.TargetPath.
func (d *Downloader) Fetch(ctx context.Context, req harvest.FetchRequest) harvest.FetchResult {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	args := d.fetchArgs(req)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.opts.Binary, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := harvest.FetchResult{
		Path:     req.TargetPath,
		Duration: elapsed,
		Output:   stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		// Surface the deadline so the classifier sees a timeout rather
		// than a generic exit status.
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Err = ctxErr
		} else {
			res.Err = fmt.Errorf("yt-dlp exited: %w", err)
		}
		return res
	}

	if info, statErr := os.Stat(req.TargetPath); statErr == nil {
		res.Bytes = info.Size()
	}
	d.logger.Debug("fetch complete",
		zap.String("source_id", req.SourceID),
		zap.String("quality", req.Quality),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("dur", elapsed),
	)
	return res
}

func (d *Downloader) fetchArgs(req harvest.FetchRequest) []string {
	args := []string{
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", strings.TrimSuffix(req.Quality, "k") + "K",
		"--embed-metadata",
		"--no-playlist",
		"--no-progress",
		"--output", req.TargetPath,
	}
	if d.opts.FFmpegPath != "" {
		args = append(args, "--ffmpeg-location", d.opts.FFmpegPath)
	}
	if d.opts.CookiesFile != "" {
		args = append(args, "--cookies", d.opts.CookiesFile)
	}
	return append(args, "https://www.youtube.com/watch?v="+req.SourceID)
}

// flatEntry is the subset of yt-dlp's --dump-json output we need per line.
type flatEntry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
}

// ListCollection enumerates a playlist or channel without downloading
// anything. yt-dlp emits one JSON object per line in flat mode.
func (d *Downloader) ListCollection(ctx context.Context, originURL string) ([]harvest.RemoteTrack, error) {
	args := []string{
		"--flat-playlist",
		"--dump-json",
		"--no-progress",
	}
	if d.opts.CookiesFile != "" {
		args = append(args, "--cookies", d.opts.CookiesFile)
	}
	args = append(args, originURL)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.opts.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list collection %s: %w: %s", originURL, err, firstLine(stderr.String()))
	}

	var tracks []harvest.RemoteTrack
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry flatEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			d.logger.Warn("skipping unparseable playlist entry", zap.Error(err))
			continue
		}
		if entry.ID == "" {
			continue
		}
		tracks = append(tracks, harvest.RemoteTrack{
			SourceID: entry.ID,
			Title:    entry.Title,
			Uploader: entry.Uploader,
			Duration: int64(entry.Duration),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist output: %w", err)
	}
	return tracks, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
