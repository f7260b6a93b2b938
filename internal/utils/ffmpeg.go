package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func probe(ctx context.Context, path string, args ...string) (*ffprobeOutput, error) {
	full := append([]string{"-v", "error", "-select_streams", "v:0"}, args...)
	full = append(full, "-of", "json", path)
	out, err := exec.CommandContext(ctx, "ffprobe", full...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("ffprobe: no video stream in %s", path)
	}
	return &res, nil
}

// GetVideoFPS reads the frame rate of the first video stream.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := probe(ctx, path, "-show_entries", "stream=r_frame_rate,avg_frame_rate")
	if err != nil {
		return 0, err
	}
	s := res.Streams[0]
	for _, rate := range []string{s.AvgFrameRate, s.RFrameRate} {
		if fps, err := ParseFrameRate(rate); err == nil && fps > 0 {
			return fps, nil
		}
	}
	return 0, fmt.Errorf("ffprobe: unusable frame rate %q", s.RFrameRate)
}

// ParseFrameRate parses ffprobe rates such as "25/1" or "30000/1001".
func ParseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", rate, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", rate, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("parse frame rate %q: zero denominator", rate)
	}
	return n / d, nil
}

// GetTotalFrames reads the frame count from ffprobe container metadata.
// It returns 0 if the count is unavailable.
func GetTotalFrames(ctx context.Context, path string) int {
	res, err := probe(ctx, path, "-show_entries", "stream=nb_frames")
	if err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *exec.Cmd {
	// -q:v 2 keeps the re-encoded frames close to the source.
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath,
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// NewFFmpegEncoder creates an encoder reading raw RGBA frames of width x height from Stdin.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "mjpeg", "-q:v", "2", "-pix_fmt", "yuvj420p",
		outputPath)
}

// ExtractAudio converts any audio or video input into a 16 kHz mono wav.
func ExtractAudio(ctx context.Context, inputPath, wavPath string) error {
	cmd := NewSafeCommand(ctx, "ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-vn", "-ac", "1", "-ar", "16000", "-acodec", "pcm_s16le", wavPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract audio: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
	}
	return nil
}

// MuxAudio combines the rendered video with the audio track into outputPath.
func MuxAudio(ctx context.Context, audioPath, videoPath, outputPath string) error {
	cmd := NewSafeCommand(ctx, "ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-i", audioPath, "-i", videoPath, "-strict", "-2", "-q:v", "1", outputPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mux audio: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
	}
	return nil
}

// CheckBinaries verifies that the external tools are on PATH.
func CheckBinaries(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  %s not found on PATH\n", name)
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}
