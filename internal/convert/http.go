package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Submitter は変換リクエストを受け付けるサービスが実装します。
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Outcome, error)
}

// UploadValidator はアップロードファイルの検証を提供します。
type UploadValidator interface {
	ValidateUpload(filename string, size int64, kind Kind, content io.Reader) error
}

// Handler は POST /api/convert/{image,audio,video} のハンドラーを返します。
// 同期実行なら変換結果をそのままストリーム返却し、非同期受付なら 202 と
// ジョブIDを返します。
func Handler(svc Submitter, validator UploadValidator, kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で変換対象ファイルを送信してください。",
			})
			return
		}

		if validator != nil {
			sniff, err := fileHeader.Open()
			if err != nil {
				respondWithError(c, err)
				return
			}
			err = validator.ValidateUpload(fileHeader.Filename, fileHeader.Size, kind, sniff)
			sniff.Close()
			if err != nil {
				respondWithError(c, err)
				return
			}
		}

		opts, err := ParseOptions(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		source, err := fileHeader.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer source.Close()

		outcome, err := svc.Submit(c.Request.Context(), Request{
			Kind:     kind,
			Filename: fileHeader.Filename,
			Source:   source,
			Size:     fileHeader.Size,
			Options:  opts,
			Async:    parseBool(c.PostForm("async")),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		if outcome.Handle != nil {
			c.JSON(http.StatusAccepted, gin.H{
				"jobId": outcome.Handle.JobID,
				"state": outcome.Handle.InitialState,
				"queue": outcome.Handle.Queue,
			})
			return
		}

		if err := streamResult(c, outcome.Inline); err != nil {
			respondWithError(c, err)
		}
	}
}

// ParseOptions はフォームフィールドから変換オプションを組み立てます。
// 値の妥当性検証はここでは行わず、パラメータ解決に委ねます。
func ParseOptions(c *gin.Context) (Options, error) {
	opts := Options{
		TargetFormat:      c.PostForm("target_format"),
		QualityPreset:     c.PostForm("quality_preset"),
		SizePreset:        c.PostForm("size_preset"),
		OptimizationLevel: c.PostForm("optimization_level"),
		AudioPreset:       c.PostForm("audio_preset"),
		VideoPreset:       c.PostForm("video_preset"),
		Codec:             c.PostForm("codec"),
	}

	intFields := []struct {
		name string
		dst  *int
	}{
		{"quality", &opts.Quality},
		{"width", &opts.Width},
		{"height", &opts.Height},
		{"compression_level", &opts.CompressionLevel},
		{"bitrate", &opts.Bitrate},
		{"sample_rate", &opts.SampleRate},
		{"channels", &opts.Channels},
	}
	for _, f := range intFields {
		raw := c.PostForm(f.name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return opts, NewValidationError(fmt.Sprintf("%s には整数を指定してください: %s", f.name, raw))
		}
		*f.dst = value
	}

	if raw := c.PostForm("frame_rate"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, NewValidationError(fmt.Sprintf("frame_rate には数値を指定してください: %s", raw))
		}
		opts.FrameRate = value
	}

	if raw := c.PostForm("effects"); raw != "" {
		for _, effect := range strings.Split(raw, ",") {
			effect = strings.TrimSpace(effect)
			if effect != "" {
				opts.Effects = append(opts.Effects, effect)
			}
		}
	}

	return opts, nil
}

func parseBool(raw string) bool {
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

func streamResult(c *gin.Context, result *Result) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	file, err := os.Open(result.OutputPath)
	if err != nil {
		return NewTransientError("変換結果の読み込みに失敗しました。", err)
	}
	defer file.Close()

	encodedName := url.PathEscape(result.OutputFilename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.OutputSize, "application/octet-stream", file, nil)
	return nil
}

// ExtractFiles はバッチ用のマルチパートフォームからファイル一覧を取り出します。
func ExtractFiles(form *multipart.Form) []*multipart.FileHeader {
	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	return files
}

func respondWithError(c *gin.Context, err error) {
	var convErr *Error
	switch {
	case errors.As(err, &convErr):
		status := http.StatusInternalServerError
		switch convErr.Class {
		case ClassValidation:
			status = http.StatusBadRequest
			if convErr.Code == "LIMIT_EXCEEDED" {
				status = http.StatusRequestEntityTooLarge
			}
		case ClassTimeout:
			status = http.StatusGatewayTimeout
		case ClassTransient:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":    convErr.Code,
			"message": convErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

// RespondWithError は他パッケージのハンドラーから共通のエラー応答を返すために
// 公開しています。
func RespondWithError(c *gin.Context, err error) {
	respondWithError(c, err)
}
