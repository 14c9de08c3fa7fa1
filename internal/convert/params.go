package convert

import (
	"fmt"
	"sort"
	"strings"
)

// ResolvedParams はプリセット展開と範囲検証を終えた具体的な変換パラメータです。
// Resolve が返した後は変更されません。
type ResolvedParams struct {
	Kind         Kind   `json:"kind"`
	TargetFormat string `json:"targetFormat"`

	Quality           int    `json:"quality,omitempty"`
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	OptimizationLevel string `json:"optimizationLevel,omitempty"`
	CompressionLevel  int    `json:"compressionLevel,omitempty"`

	Bitrate    int      `json:"bitrate,omitempty"`
	SampleRate int      `json:"sampleRate,omitempty"`
	Channels   int      `json:"channels,omitempty"`
	Effects    []string `json:"effects,omitempty"`

	Codec     string  `json:"codec,omitempty"`
	FrameRate float64 `json:"frameRate,omitempty"`
}

// 品質プリセット。明示的な quality 指定よりもプリセットが優先されます（意図的な仕様）。
var qualityPresets = map[string]int{
	"low":      50,
	"medium":   75,
	"high":     90,
	"maximum":  95,
	"lossless": 100,
}

// サイズプリセット（幅 x 高さ）。
var sizePresets = map[string][2]int{
	"thumbnail": {150, 150},
	"small":     {320, 240},
	"medium":    {640, 480},
	"large":     {1024, 768},
	"hd":        {1280, 720},
	"full_hd":   {1920, 1080},
	"2k":        {2048, 1080},
	"4k":        {3840, 2160},
	"8k":        {7680, 4320},
}

// 音声品質プリセット（ビットレートkbps / サンプルレートHz）。
var audioPresets = map[string]struct {
	Bitrate    int
	SampleRate int
}{
	"phone":  {64, 22050},
	"radio":  {128, 44100},
	"cd":     {320, 44100},
	"hd":     {500, 48000},
	"studio": {1411, 96000},
}

// 動画品質プリセット（解像度 / ビットレートkbps）。
var videoPresets = map[string]struct {
	Width   int
	Height  int
	Bitrate int
}{
	"480p":  {854, 480, 1000},
	"720p":  {1280, 720, 2500},
	"1080p": {1920, 1080, 5000},
	"1440p": {2560, 1440, 10000},
	"4k":    {3840, 2160, 20000},
}

var validSampleRates = map[int]bool{
	8000: true, 11025: true, 16000: true, 22050: true, 32000: true,
	44100: true, 48000: true, 88200: true, 96000: true, 192000: true,
}

var validEffects = map[string]bool{
	"normalize": true, "compress": true, "eq": true, "reverb": true,
	"echo": true, "fade_in": true, "fade_out": true, "noise_reduction": true,
	"pitch_shift": true, "tempo_change": true, "stereo_width": true,
	"bass_boost": true, "treble_boost": true,
}

var validCodecs = map[string]bool{
	"h264": true, "h265": true, "vp8": true, "vp9": true, "av1": true,
}

var validOptimizationLevels = map[string]bool{
	"low": true, "medium": true, "high": true, "maximum": true,
}

// 出力フォーマットの許可リスト（種別ごと）。
var supportedOutputFormats = map[Kind]map[string]bool{
	KindImage: {
		"jpeg": true, "jpg": true, "png": true, "webp": true, "bmp": true,
		"gif": true, "tiff": true, "tif": true, "avif": true, "heic": true,
		"heif": true, "ico": true, "jp2": true, "pdf": true,
	},
	KindAudio: {
		"wav": true, "mp3": true, "aac": true, "ogg": true, "flac": true,
		"m4a": true, "opus": true, "webm": true, "aiff": true, "au": true,
	},
	KindVideo: {
		"mp4": true, "webm": true, "mkv": true, "mov": true, "avi": true,
	},
	KindOptimize: {
		"jpeg": true, "jpg": true, "png": true, "webp": true,
	},
}

const (
	minQuality = 1
	maxQuality = 100

	minCompressionLevel = 1
	maxCompressionLevel = 9

	minBitrate = 8
	maxBitrate = 1411

	minFrameRate = 1
	maxFrameRate = 120
)

// Resolve はユーザー指定オプションを検証済みの具体値へ展開します。
// 純粋関数であり、同一入力に対して常に同一の結果を返します。
//
// プリセットの扱い:
//   - 品質プリセット（QualityPreset）は明示的な Quality 指定を上書きします。
//   - それ以外のプリセットは未指定の項目のみを補完し、明示指定が常に優先されます。
//   - 未知のプリセット名は暗黙のデフォルトにはフォールバックせず、検証エラーになります。
//
// 範囲外の数値は黙ってクランプせず、検証エラーとして返します。
func Resolve(kind Kind, opts Options) (*ResolvedParams, error) {
	if !kind.Valid() {
		return nil, NewValidationError(fmt.Sprintf("未対応の変換種別です: %s", kind))
	}

	format := strings.ToLower(strings.TrimSpace(opts.TargetFormat))
	if format == "" {
		return nil, NewValidationError("変換先フォーマットを指定してください。")
	}
	if !supportedOutputFormats[kind][format] {
		return nil, NewValidationError(fmt.Sprintf("未対応の出力フォーマットです: %s", format))
	}

	p := &ResolvedParams{
		Kind:         kind,
		TargetFormat: format,
	}

	if err := resolveQuality(p, opts); err != nil {
		return nil, err
	}
	if err := resolveSize(p, opts, kind); err != nil {
		return nil, err
	}

	switch kind {
	case KindImage, KindOptimize:
		if err := resolveImage(p, opts); err != nil {
			return nil, err
		}
	case KindAudio:
		if err := resolveAudio(p, opts); err != nil {
			return nil, err
		}
	case KindVideo:
		if err := resolveVideo(p, opts); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func resolveQuality(p *ResolvedParams, opts Options) error {
	quality := opts.Quality
	if quality == 0 {
		quality = 85
	}
	if opts.QualityPreset != "" {
		preset, ok := qualityPresets[opts.QualityPreset]
		if !ok {
			return NewValidationError(fmt.Sprintf("未知の品質プリセットです: %s", opts.QualityPreset))
		}
		// 品質プリセットは明示的な quality 指定を上書きする
		quality = preset
	}
	if quality < minQuality || quality > maxQuality {
		return NewValidationError(fmt.Sprintf("quality は %d〜%d の範囲で指定してください: %d", minQuality, maxQuality, opts.Quality))
	}
	p.Quality = quality
	return nil
}

func resolveSize(p *ResolvedParams, opts Options, kind Kind) error {
	width, height := opts.Width, opts.Height

	presetName := opts.SizePreset
	if kind == KindVideo {
		// 動画はサイズプリセットではなく動画プリセット側で解決する
		presetName = ""
	}
	if presetName != "" {
		preset, ok := sizePresets[presetName]
		if !ok {
			return NewValidationError(fmt.Sprintf("未知のサイズプリセットです: %s", presetName))
		}
		// 明示的な指定はプリセットより優先
		if width == 0 {
			width = preset[0]
		}
		if height == 0 {
			height = preset[1]
		}
	}
	if width < 0 || height < 0 {
		return NewValidationError("width / height に負の値は指定できません。")
	}
	p.Width = width
	p.Height = height
	return nil
}

func resolveImage(p *ResolvedParams, opts Options) error {
	level := opts.OptimizationLevel
	if level == "" {
		level = "medium"
	}
	if !validOptimizationLevels[level] {
		return NewValidationError(fmt.Sprintf("未知の最適化レベルです: %s", opts.OptimizationLevel))
	}
	p.OptimizationLevel = level

	compression := opts.CompressionLevel
	if compression == 0 {
		compression = 6
	}
	if compression < minCompressionLevel || compression > maxCompressionLevel {
		return NewValidationError(fmt.Sprintf("compressionLevel は %d〜%d の範囲で指定してください: %d",
			minCompressionLevel, maxCompressionLevel, opts.CompressionLevel))
	}
	p.CompressionLevel = compression
	return nil
}

func resolveAudio(p *ResolvedParams, opts Options) error {
	bitrate := opts.Bitrate
	sampleRate := opts.SampleRate

	if opts.AudioPreset != "" {
		preset, ok := audioPresets[opts.AudioPreset]
		if !ok {
			return NewValidationError(fmt.Sprintf("未知の音声プリセットです: %s", opts.AudioPreset))
		}
		if bitrate == 0 {
			bitrate = preset.Bitrate
		}
		if sampleRate == 0 {
			sampleRate = preset.SampleRate
		}
	}
	if bitrate == 0 {
		bitrate = 128
	}
	if sampleRate == 0 {
		sampleRate = 44100
	}

	if bitrate < minBitrate || bitrate > maxBitrate {
		return NewValidationError(fmt.Sprintf("bitrate は %d〜%d kbps の範囲で指定してください: %d", minBitrate, maxBitrate, opts.Bitrate))
	}
	if !validSampleRates[sampleRate] {
		return NewValidationError(fmt.Sprintf("未対応のサンプルレートです: %d", sampleRate))
	}

	channels := opts.Channels
	if channels == 0 {
		channels = 2
	}
	if channels != 1 && channels != 2 {
		return NewValidationError(fmt.Sprintf("channels は 1 または 2 を指定してください: %d", opts.Channels))
	}

	effects := make([]string, 0, len(opts.Effects))
	for _, effect := range opts.Effects {
		if !validEffects[effect] {
			return NewValidationError(fmt.Sprintf("未知の音声エフェクトです: %s", effect))
		}
		effects = append(effects, effect)
	}
	sort.Strings(effects)

	p.Bitrate = bitrate
	p.SampleRate = sampleRate
	p.Channels = channels
	if len(effects) > 0 {
		p.Effects = effects
	}
	return nil
}

func resolveVideo(p *ResolvedParams, opts Options) error {
	width, height := opts.Width, opts.Height
	bitrate := opts.Bitrate

	if opts.VideoPreset != "" {
		preset, ok := videoPresets[opts.VideoPreset]
		if !ok {
			return NewValidationError(fmt.Sprintf("未知の動画プリセットです: %s", opts.VideoPreset))
		}
		if width == 0 && height == 0 {
			width = preset.Width
			height = preset.Height
		}
		if bitrate == 0 {
			bitrate = preset.Bitrate
		}
	}

	codec := opts.Codec
	if codec != "" && !validCodecs[codec] {
		return NewValidationError(fmt.Sprintf("未対応のコーデックです: %s", opts.Codec))
	}

	frameRate := opts.FrameRate
	if frameRate != 0 && (frameRate < minFrameRate || frameRate > maxFrameRate) {
		return NewValidationError(fmt.Sprintf("frameRate は %d〜%d の範囲で指定してください: %g", minFrameRate, maxFrameRate, opts.FrameRate))
	}

	p.Width = width
	p.Height = height
	p.Bitrate = bitrate
	p.Codec = codec
	p.FrameRate = frameRate
	return nil
}
