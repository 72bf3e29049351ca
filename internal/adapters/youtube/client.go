package youtube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"

	"ytclip/internal/adapters/downloader"
	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
)

// videoClient is the subset of youtube.Client the adapter relies on.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error)
}

// Muxer joins separate video and audio streams into one file.
type Muxer interface {
	Mux(ctx context.Context, videoPath, audioPath, outputPath string) error
}

// Client resolves metadata and downloads streams through the YouTube player API,
// without an external yt-dlp binary.
type Client struct {
	yt    videoClient
	http  *downloader.HTTPDownloader
	muxer Muxer
}

// New creates the adapter. muxer is only needed for qualities served as separate
// video and audio streams.
func New(httpDL *downloader.HTTPDownloader, muxer Muxer) *Client {
	if httpDL == nil {
		httpDL = downloader.NewHTTPDownloader(0)
	}
	return &Client{yt: &youtube.Client{}, http: httpDL, muxer: muxer}
}

// Resolve implements ports.MetadataService.
func (c *Client) Resolve(ctx context.Context, sourceURL string) (domain.VideoMetadata, error) {
	video, err := c.yt.GetVideoContext(ctx, sourceURL)
	if err != nil {
		return domain.VideoMetadata{}, fmt.Errorf("video info error: %w", err)
	}
	return mapVideo(video), nil
}

func mapVideo(v *youtube.Video) domain.VideoMetadata {
	meta := domain.VideoMetadata{
		SourceID: v.ID,
		Title:    v.Title,
		Duration: int(v.Duration.Round(time.Second) / time.Second),
		Uploader: v.Author,
		Formats:  []domain.FormatDescriptor{},
	}
	if n := len(v.Thumbnails); n > 0 {
		meta.Thumbnail = v.Thumbnails[n-1].URL
	}
	for _, f := range v.Formats {
		if !isMP4Video(f) || f.Height <= 0 {
			continue
		}
		fd := domain.FormatDescriptor{
			FormatID:  strconv.Itoa(f.ItagNo),
			Quality:   fmt.Sprintf("%dp", f.Height),
			Container: "mp4",
			HasVideo:  true,
			HasAudio:  f.AudioChannels > 0,
		}
		if f.ContentLength > 0 {
			size := f.ContentLength
			fd.Size = &size
		}
		meta.Formats = append(meta.Formats, fd)
	}
	return meta
}

// Download implements ports.Downloader. Progressive formats are fetched directly;
// adaptive ones are fetched as two streams and muxed into req.Dest.
func (c *Client) Download(ctx context.Context, req ports.DownloadRequest, onProgress ports.ProgressFunc) error {
	video, err := c.yt.GetVideoContext(ctx, req.SourceID)
	if err != nil {
		return fmt.Errorf("video info error: %w", err)
	}

	videoFmt, audioFmt := selectFormats(video.Formats, req.Quality)
	if videoFmt == nil {
		return fmt.Errorf("no mp4 stream matches quality %q", req.Quality)
	}
	if videoFmt.AudioChannels == 0 && audioFmt == nil {
		return fmt.Errorf("no audio stream available for %s", req.SourceID)
	}

	if videoFmt.AudioChannels > 0 {
		if err := c.fetch(ctx, video, videoFmt, req.Dest, 0, videoFmt.ContentLength, onProgress); err != nil {
			return err
		}
	} else {
		if c.muxer == nil {
			return fmt.Errorf("quality %q needs muxing but no muxer is configured", req.Quality)
		}
		ext := filepath.Ext(req.Dest)
		base := strings.TrimSuffix(req.Dest, ext)
		videoTemp := base + ".video" + ext
		audioTemp := base + ".audio.m4a"
		defer os.Remove(videoTemp)
		defer os.Remove(audioTemp)

		total := videoFmt.ContentLength + audioFmt.ContentLength
		if err := c.fetch(ctx, video, videoFmt, videoTemp, 0, total, onProgress); err != nil {
			return err
		}
		if err := c.fetch(ctx, video, audioFmt, audioTemp, videoFmt.ContentLength, total, onProgress); err != nil {
			return err
		}
		if err := c.muxer.Mux(ctx, videoTemp, audioTemp, req.Dest); err != nil {
			return fmt.Errorf("mux streams: %w", err)
		}
	}

	if onProgress != nil {
		onProgress(ports.DownloadProgress{Finished: true})
	}
	return nil
}

// fetch downloads one stream, shifting its progress by offset within total.
func (c *Client) fetch(ctx context.Context, video *youtube.Video, f *youtube.Format, dest string, offset, total int64, onProgress ports.ProgressFunc) error {
	streamURL, err := c.yt.GetStreamURLContext(ctx, video, f)
	if err != nil {
		return fmt.Errorf("stream url for itag %d: %w", f.ItagNo, err)
	}
	var cb ports.ProgressFunc
	if onProgress != nil {
		cb = func(p ports.DownloadProgress) {
			if total <= 0 {
				onProgress(ports.DownloadProgress{Downloaded: offset + p.Downloaded})
				return
			}
			onProgress(ports.DownloadProgress{Downloaded: offset + p.Downloaded, Total: total})
		}
	}
	if _, err := c.http.Fetch(ctx, streamURL, dest, f.ContentLength, cb); err != nil {
		return fmt.Errorf("itag %d: %w", f.ItagNo, err)
	}
	return nil
}

var heightLabel = regexp.MustCompile(`^([0-9]{2,4})p$`)

// selectFormats picks the stream(s) for a quality selector. An itag selects that exact
// format; "<N>p" picks the tallest mp4 video not above N; "best" the tallest overall.
// For adaptive video the best mp4 audio is returned too.
func selectFormats(formats youtube.FormatList, quality string) (*youtube.Format, *youtube.Format) {
	q := strings.ToLower(strings.TrimSpace(quality))
	var target int
	if m := heightLabel.FindStringSubmatch(q); m != nil {
		target, _ = strconv.Atoi(m[1])
	} else if q != "" && q != "best" {
		itag, err := strconv.Atoi(q)
		if err != nil {
			return nil, nil
		}
		for i := range formats {
			if formats[i].ItagNo == itag {
				f := formats[i]
				return &f, bestAudio(formats)
			}
		}
		return nil, nil
	}

	var best *youtube.Format
	for i := range formats {
		f := formats[i]
		if !isMP4Video(f) || f.Height <= 0 || (target > 0 && f.Height > target) {
			continue
		}
		switch {
		case best == nil, f.Height > best.Height:
			best = &f
		case f.Height == best.Height && f.AudioChannels > 0 && best.AudioChannels == 0:
			// progressive avoids a mux at equal height
			best = &f
		case f.Height == best.Height && f.Bitrate > best.Bitrate && (f.AudioChannels > 0) == (best.AudioChannels > 0):
			best = &f
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, bestAudio(formats)
}

func bestAudio(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		if best == nil ||
			(strings.Contains(f.MimeType, "mp4") && !strings.Contains(best.MimeType, "mp4")) ||
			(strings.Contains(f.MimeType, "mp4") == strings.Contains(best.MimeType, "mp4") && f.Bitrate > best.Bitrate) {
			best = &f
		}
	}
	return best
}

func isMP4Video(f youtube.Format) bool {
	return strings.HasPrefix(f.MimeType, "video/mp4")
}
