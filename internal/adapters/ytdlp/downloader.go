package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
	"ytclip/internal/exec"
)

const watchURL = "https://www.youtube.com/watch?v="

// YtDlp uses the local yt-dlp binary for metadata discovery and full-source downloads.
type YtDlp struct {
	binaryPath      string
	runner          exec.Runner
	metadataTimeout time.Duration
}

// NewYtDlp creates the adapter. An empty binaryPath prefers a yt-dlp.exe next to the
// process, then yt-dlp from PATH.
func NewYtDlp(binaryPath string, runner exec.Runner) *YtDlp {
	if strings.TrimSpace(binaryPath) == "" {
		binaryPath = "yt-dlp"
		if _, err := os.Stat("yt-dlp.exe"); err == nil {
			binaryPath = ".\\yt-dlp.exe"
		}
	}
	if runner == nil {
		runner = exec.NewCommandRunner()
	}
	return &YtDlp{binaryPath: binaryPath, runner: runner, metadataTimeout: 2 * time.Minute}
}

type infoJSON struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Thumbnail string       `json:"thumbnail"`
	Uploader  string       `json:"uploader"`
	Formats   []formatJSON `json:"formats"`
}

type formatJSON struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Height         int     `json:"height"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
}

// Resolve implements ports.MetadataService with `yt-dlp -J`.
func (d *YtDlp) Resolve(ctx context.Context, sourceURL string) (domain.VideoMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, d.metadataTimeout)
	defer cancel()

	res, err := d.runner.Run(ctx, d.binaryPath, "-J", "--no-playlist", "--no-warnings", sourceURL)
	if err != nil {
		return domain.VideoMetadata{}, exec.NewToolError(ctx, "yt-dlp", res, err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return domain.VideoMetadata{}, fmt.Errorf("yt-dlp returned empty output")
	}
	return parseInfo([]byte(res.Stdout))
}

func parseInfo(data []byte) (domain.VideoMetadata, error) {
	var info infoJSON
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.VideoMetadata{}, fmt.Errorf("parse yt-dlp output: %w", err)
	}
	if info.ID == "" {
		return domain.VideoMetadata{}, fmt.Errorf("yt-dlp output has no video id")
	}

	meta := domain.VideoMetadata{
		SourceID:  info.ID,
		Title:     info.Title,
		Duration:  int(math.Round(info.Duration)),
		Thumbnail: info.Thumbnail,
		Uploader:  info.Uploader,
		Formats:   make([]domain.FormatDescriptor, 0, len(info.Formats)),
	}
	for _, f := range info.Formats {
		// only mp4 with a known height is selectable
		if f.Ext != "mp4" || f.Height <= 0 {
			continue
		}
		fd := domain.FormatDescriptor{
			FormatID:  f.FormatID,
			Quality:   fmt.Sprintf("%dp", f.Height),
			Container: f.Ext,
			HasVideo:  f.VCodec != "none",
			HasAudio:  f.ACodec != "none",
		}
		if size := int64(f.Filesize); size > 0 {
			fd.Size = &size
		} else if approx := int64(f.FilesizeApprox); approx > 0 {
			fd.Size = &approx
		}
		meta.Formats = append(meta.Formats, fd)
	}
	return meta, nil
}

// Download implements ports.Downloader, writing the merged file to req.Dest.
func (d *YtDlp) Download(ctx context.Context, req ports.DownloadRequest, onProgress ports.ProgressFunc) error {
	if strings.TrimSpace(req.SourceID) == "" {
		return fmt.Errorf("source id is required")
	}
	if strings.TrimSpace(req.Dest) == "" {
		return fmt.Errorf("destination is required")
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--no-warnings",
		"--force-overwrites",
		"-f", FormatSelector(req.Quality),
		"--merge-output-format", "mp4",
		"-o", req.Dest,
		watchURL + req.SourceID,
	}

	onLine := func(stream exec.Stream, line string) {
		if onProgress == nil || stream != exec.StreamStdout {
			return
		}
		if p, ok := parseProgressLine(line); ok {
			onProgress(p)
		}
	}

	res, err := d.runner.Stream(ctx, onLine, d.binaryPath, args...)
	if err != nil {
		return exec.NewToolError(ctx, "yt-dlp", res, err)
	}
	if info, err := os.Stat(req.Dest); err != nil || info.Size() == 0 {
		return fmt.Errorf("yt-dlp finished without writing %s", filepath.Base(req.Dest))
	}
	if onProgress != nil {
		onProgress(ports.DownloadProgress{Finished: true})
	}
	return nil
}

var heightQuality = regexp.MustCompile(`^([0-9]{2,4})p$`)

// FormatSelector maps a quality selector onto a yt-dlp -f expression. "best" and "<N>p"
// prefer mp4 video with m4a audio; anything else is passed through as a format id.
func FormatSelector(quality string) string {
	q := strings.TrimSpace(quality)
	if q == "" || strings.EqualFold(q, "best") {
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	}
	if m := heightQuality.FindStringSubmatch(strings.ToLower(q)); m != nil {
		h := m[1]
		return fmt.Sprintf("bestvideo[height<=%s][ext=mp4]+bestaudio[ext=m4a]/best[height<=%s][ext=mp4]/best[height<=%s]", h, h, h)
	}
	return q
}

var (
	rePct  = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reOf   = regexp.MustCompile(`\bof\s+~?\s*([0-9.]+)\s*([KMGT]?i?B)\b`)
	unitsB = map[string]float64{
		"B":   1,
		"KiB": 1 << 10, "MiB": 1 << 20, "GiB": 1 << 30, "TiB": 1 << 40,
		"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12,
	}
)

// parseProgressLine reads a `[download]  42.0% of ~ 10.00MiB at ...` line. Lines without a
// total size are ignored.
func parseProgressLine(line string) (ports.DownloadProgress, bool) {
	l := strings.TrimSpace(line)
	if !strings.HasPrefix(l, "[download]") {
		return ports.DownloadProgress{}, false
	}
	m := rePct.FindStringSubmatch(l)
	if len(m) < 2 {
		return ports.DownloadProgress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ports.DownloadProgress{}, false
	}
	pct = math.Min(math.Max(pct, 0), 100)

	sz := reOf.FindStringSubmatch(l)
	if len(sz) < 3 {
		return ports.DownloadProgress{}, false
	}
	v, err := strconv.ParseFloat(sz[1], 64)
	mult, ok := unitsB[sz[2]]
	if err != nil || !ok {
		return ports.DownloadProgress{}, false
	}
	total := int64(v * mult)
	return ports.DownloadProgress{
		Downloaded: int64(float64(total) * pct / 100),
		Total:      total,
	}, true
}
