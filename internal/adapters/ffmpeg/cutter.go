package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ytclip/internal/exec"
)

// FFmpeg cuts and muxes local media with stream copy, never re-encoding.
type FFmpeg struct {
	binaryPath string
	runner     exec.Runner
}

// New creates an ffmpeg adapter. An empty binaryPath means "ffmpeg" from PATH.
func New(binaryPath string, runner exec.Runner) *FFmpeg {
	if strings.TrimSpace(binaryPath) == "" {
		binaryPath = "ffmpeg"
	}
	if runner == nil {
		runner = exec.NewCommandRunner()
	}
	return &FFmpeg{binaryPath: binaryPath, runner: runner}
}

// Cut writes [start, end) seconds of inputPath to outputPath. The output only appears
// once ffmpeg succeeded, so concurrent readers never see a partial clip.
func (f *FFmpeg) Cut(ctx context.Context, inputPath string, start, end int, outputPath string) error {
	if start < 0 || end <= start {
		return fmt.Errorf("invalid cut window %d-%d", start, end)
	}
	if info, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("cut input: %w", err)
	} else if info.Size() == 0 {
		return fmt.Errorf("cut input %s is empty", inputPath)
	}

	return f.run(ctx, outputPath, func(tmp string) []string {
		return []string{
			"-y", "-hide_banner", "-loglevel", "error",
			"-ss", strconv.Itoa(start),
			"-to", strconv.Itoa(end),
			"-i", inputPath,
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			tmp,
		}
	})
}

// Mux joins a video-only and an audio-only file into one container.
func (f *FFmpeg) Mux(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return f.run(ctx, outputPath, func(tmp string) []string {
		return []string{
			"-y", "-hide_banner", "-loglevel", "error",
			"-i", videoPath,
			"-i", audioPath,
			"-c", "copy",
			tmp,
		}
	})
}

// run gives every invocation its own temporary file next to outputPath, so two
// runs producing the same clip never write into each other's output.
func (f *FFmpeg) run(ctx context.Context, outputPath string, args func(tmp string) []string) error {
	tmp, err := reservePart(outputPath)
	if err != nil {
		return err
	}

	res, err := f.runner.Run(ctx, f.binaryPath, args(tmp)...)
	if err != nil {
		_ = os.Remove(tmp)
		return exec.NewToolError(ctx, "ffmpeg", res, err)
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return fmt.Errorf("ffmpeg produced no output for %s", filepath.Base(outputPath))
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", filepath.Base(outputPath), err)
	}
	return nil
}

// reservePart creates an empty, uniquely named sibling of path. The extension
// stays last so ffmpeg still infers the container; -y lets it overwrite the file.
func reservePart(path string) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	f, err := os.CreateTemp(dir, base+".*.part"+ext)
	if err != nil {
		return "", fmt.Errorf("reserve temporary output: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("reserve temporary output: %w", err)
	}
	return name, nil
}
