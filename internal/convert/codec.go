package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Codec は実際のメディア変換を行う外部コラボレーターです。
// 本パッケージはこれをブラックボックスとして扱い、一時エラーと恒久エラーの
// どちらも返しうるものとみなします。
type Codec interface {
	Convert(ctx context.Context, inputPath, outputPath string, params *ResolvedParams) error
}

// FFmpegCodec は ffmpeg コマンドを呼び出す Codec 実装です。
type FFmpegCodec struct {
	BinaryPath string
}

// NewFFmpegCodec は FFmpegCodec を作成します。
func NewFFmpegCodec(binaryPath string) *FFmpegCodec {
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}
	return &FFmpegCodec{BinaryPath: binaryPath}
}

// Convert は ffmpeg を実行して変換を行います。コンテキストのキャンセルで
// プロセスは強制終了されます。
func (c *FFmpegCodec) Convert(ctx context.Context, inputPath, outputPath string, params *ResolvedParams) error {
	if params == nil {
		return fmt.Errorf("params is nil")
	}

	args := buildFFmpegArgs(inputPath, outputPath, params)
	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return NewTimeoutError("変換処理が制限時間内に完了しませんでした。", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return NewTransientError(fmt.Sprintf("ffmpeg failed: %s", lastStderrLine(stderr.String())), err)
		}
		return NewTransientError("failed to invoke ffmpeg", err)
	}
	return nil
}

// buildFFmpegArgs は変換パラメータから ffmpeg の引数列を組み立てます。
func buildFFmpegArgs(inputPath, outputPath string, params *ResolvedParams) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", inputPath}

	switch params.Kind {
	case KindImage, KindOptimize:
		if params.Width > 0 && params.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", params.Width, params.Height))
		}
		// qscale は 2(最高)〜31(最低) なので 1-100 の品質から逆写像する
		qscale := 2 + (100-params.Quality)*29/99
		args = append(args, "-qscale:v", strconv.Itoa(qscale))
		if params.TargetFormat == "png" {
			args = append(args, "-compression_level", strconv.Itoa(params.CompressionLevel))
		}

	case KindAudio:
		args = append(args, "-vn")
		args = append(args, "-b:a", fmt.Sprintf("%dk", params.Bitrate))
		args = append(args, "-ar", strconv.Itoa(params.SampleRate))
		args = append(args, "-ac", strconv.Itoa(params.Channels))
		if filter := audioFilterChain(params.Effects); filter != "" {
			args = append(args, "-af", filter)
		}

	case KindVideo:
		if codec := ffmpegVideoCodec(params.Codec, params.TargetFormat); codec != "" {
			args = append(args, "-c:v", codec)
		}
		if params.Width > 0 && params.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", params.Width, params.Height))
		}
		if params.Bitrate > 0 {
			args = append(args, "-b:v", fmt.Sprintf("%dk", params.Bitrate))
		}
		if params.FrameRate > 0 {
			args = append(args, "-r", strconv.FormatFloat(params.FrameRate, 'g', -1, 64))
		}
	}

	return append(args, outputPath)
}

// ffmpegVideoCodec はコーデック名を ffmpeg のエンコーダー名へ解決します。
// 未指定の場合は出力フォーマットごとのデフォルトを使います。
func ffmpegVideoCodec(codec, format string) string {
	switch codec {
	case "h264":
		return "libx264"
	case "h265":
		return "libx265"
	case "vp8":
		return "libvpx"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libaom-av1"
	}
	switch format {
	case "mp4", "mkv", "mov":
		return "libx264"
	case "webm":
		return "libvpx-vp9"
	}
	return ""
}

func audioFilterChain(effects []string) string {
	var filters []string
	for _, effect := range effects {
		switch effect {
		case "normalize":
			filters = append(filters, "loudnorm")
		case "compress":
			filters = append(filters, "acompressor")
		case "fade_in":
			filters = append(filters, "afade=t=in:d=2")
		case "fade_out":
			filters = append(filters, "areverse,afade=t=in:d=2,areverse")
		case "bass_boost":
			filters = append(filters, "bass=g=6")
		case "treble_boost":
			filters = append(filters, "treble=g=6")
		case "echo":
			filters = append(filters, "aecho=0.8:0.9:500:0.3")
		}
		// それ以外のエフェクトはフィルタを持たないため無視する
	}
	return strings.Join(filters, ",")
}

func lastStderrLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) == 0 {
		return "unknown error"
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "unknown error"
	}
	return last
}
