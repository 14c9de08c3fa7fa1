// Package validation はアップロードファイルの検証を提供します。
// 拡張子からのメディア種別判定、種別ごとのサイズ上限、MIMEスニッフィングによる
// 内容の確認を行います。
package validation

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/agent-tsuki/FileCraft/internal/convert"
)

// 種別ごとの最大アップロードサイズ（バイト）。
var maxUploadSizes = map[convert.Kind]int64{
	convert.KindImage:    50485760,  // 50MB（高解像度画像を考慮）
	convert.KindAudio:    209715200, // 200MB（高品質音声）
	convert.KindVideo:    524288000, // 500MB
	convert.KindOptimize: 50485760,
}

// 拡張子からメディア種別へのマッピング。
var extensionKinds = map[string]convert.Kind{}

func init() {
	imageExts := []string{
		"jpeg", "jpg", "png", "webp", "bmp", "gif", "tiff", "tif",
		"avif", "heic", "heif", "ico", "jp2", "pbm", "pgm", "ppm",
		"tga", "pcx", "psd", "svg", "jfif",
	}
	audioExts := []string{
		"wav", "mp3", "aac", "ogg", "flac", "m4a", "opus", "aiff",
		"au", "wma", "ac3", "amr", "ape", "alac",
	}
	videoExts := []string{"mp4", "mkv", "mov", "avi", "wmv", "webm"}

	for _, ext := range imageExts {
		extensionKinds[ext] = convert.KindImage
	}
	for _, ext := range audioExts {
		extensionKinds[ext] = convert.KindAudio
	}
	for _, ext := range videoExts {
		extensionKinds[ext] = convert.KindVideo
	}
}

// MIMEタイプの大分類とメディア種別の対応。
var mimePrefixes = map[convert.Kind]string{
	convert.KindImage:    "image/",
	convert.KindAudio:    "audio/",
	convert.KindVideo:    "video/",
	convert.KindOptimize: "image/",
}

// Service はアップロード検証サービスです。純粋な検証のみを行い、状態を持ちません。
type Service struct{}

// NewService は Service を作成します。
func NewService() *Service {
	return &Service{}
}

// KindForFilename はファイル名の拡張子からメディア種別を判定します。
func (s *Service) KindForFilename(filename string) (convert.Kind, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return "", convert.NewValidationError("ファイル名に拡張子がありません。")
	}
	kind, ok := extensionKinds[ext]
	if !ok {
		return "", convert.NewValidationError(fmt.Sprintf("未対応のファイル形式です: .%s", ext))
	}
	return kind, nil
}

// ValidateFilename はファイル名の妥当性を確認します。
func (s *Service) ValidateFilename(filename string) error {
	name := strings.TrimSpace(filename)
	if name == "" {
		return convert.NewValidationError("ファイル名を指定してください。")
	}
	if strings.ContainsAny(name, "\x00") || name != filepath.Base(name) {
		return convert.NewValidationError("ファイル名が不正です。")
	}
	return nil
}

// ValidateSize はメディア種別ごとのサイズ上限を確認します。
func (s *Service) ValidateSize(size int64, kind convert.Kind) error {
	limit, ok := maxUploadSizes[kind]
	if !ok {
		return convert.NewValidationError(fmt.Sprintf("未対応の変換種別です: %s", kind))
	}
	if size <= 0 {
		return convert.NewValidationError("空のファイルはアップロードできません。")
	}
	if size > limit {
		return convert.NewLimitExceededError(
			fmt.Sprintf("ファイルサイズ %d バイトは %s の上限 %d バイトを超えています。", size, kind, limit))
	}
	return nil
}

// ValidateContent は先頭バイトをスニッフィングし、内容が期待するメディア種別と
// 一致するかを確認します。拡張子の偽装を弾くための確認です。
func (s *Service) ValidateContent(reader io.Reader, kind convert.Kind) error {
	mtype, err := mimetype.DetectReader(reader)
	if err != nil {
		return convert.NewValidationError("ファイル内容を判定できませんでした。")
	}
	prefix, ok := mimePrefixes[kind]
	if !ok {
		return convert.NewValidationError(fmt.Sprintf("未対応の変換種別です: %s", kind))
	}
	if !strings.HasPrefix(mtype.String(), prefix) && mtype.String() != "application/octet-stream" {
		return convert.NewValidationError(
			fmt.Sprintf("ファイル内容（%s）が %s ファイルではありません。", mtype.String(), kind))
	}
	return nil
}

// ValidateUpload はアップロード1件の検証をまとめて行います。
func (s *Service) ValidateUpload(filename string, size int64, kind convert.Kind, content io.Reader) error {
	if err := s.ValidateFilename(filename); err != nil {
		return err
	}
	if err := s.ValidateSize(size, kind); err != nil {
		return err
	}
	if content != nil {
		if err := s.ValidateContent(content, kind); err != nil {
			return err
		}
	}
	return nil
}
