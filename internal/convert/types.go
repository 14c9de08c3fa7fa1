// Package convert はファイル変換リクエストの受付・実行・振り分けを提供します。
package convert

import "io"

// Kind は変換処理の種別を表します。
type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindOptimize Kind = "optimize"
)

// Kinds は有効な変換種別の一覧です。
var Kinds = []Kind{KindImage, KindAudio, KindVideo, KindOptimize}

// Valid は変換種別が既知かどうかを返します。
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindAudio, KindVideo, KindOptimize:
		return true
	}
	return false
}

// Options はユーザー指定の変換オプションです。ゼロ値は「未指定」を表し、
// プリセットまたはデフォルト値で補完されます。
type Options struct {
	TargetFormat string `json:"targetFormat"`

	// 画像オプション
	Quality           int    `json:"quality,omitempty"`       // 1-100
	QualityPreset     string `json:"qualityPreset,omitempty"` // low / medium / high / maximum / lossless
	SizePreset        string `json:"sizePreset,omitempty"`    // thumbnail / small / ... / 8k
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	OptimizationLevel string `json:"optimizationLevel,omitempty"` // low / medium / high / maximum
	CompressionLevel  int    `json:"compressionLevel,omitempty"`  // 1-9

	// 音声オプション
	AudioPreset string   `json:"audioPreset,omitempty"` // phone / radio / cd / hd / studio
	Bitrate     int      `json:"bitrate,omitempty"`     // kbps
	SampleRate  int      `json:"sampleRate,omitempty"`  // Hz
	Channels    int      `json:"channels,omitempty"`    // 1 or 2
	Effects     []string `json:"effects,omitempty"`

	// 動画オプション
	VideoPreset string  `json:"videoPreset,omitempty"` // 480p / 720p / 1080p / 1440p / 4k
	Codec       string  `json:"codec,omitempty"`       // h264 / h265 / vp8 / vp9 / av1
	FrameRate   float64 `json:"frameRate,omitempty"`   // 1-120
}

// Request は変換リクエストの不変な入力記述子です。ディスパッチャが一度だけ消費します。
type Request struct {
	Kind     Kind
	Filename string
	Source   io.Reader
	Size     int64
	Options  Options
	Async    bool
}

// Result は変換1件の最終結果です。同期実行では呼び出し元へそのまま返し、
// 非同期実行ではワーカーがジョブレコードへ書き込みます。
type Result struct {
	OutputFilename string `json:"outputFilename"`
	OutputPath     string `json:"outputPath"`
	OutputSize     int64  `json:"outputSize"`
	TargetFormat   string `json:"targetFormat"`
	OriginalSize   int64  `json:"originalSize"`
}

// JobHandle は非同期実行の受付結果です。呼び出し元はIDのみを保持しポーリングします。
type JobHandle struct {
	JobID        string `json:"jobId"`
	InitialState string `json:"initialState"`
	Queue        string `json:"queue"`
}

// Outcome は Submit の結果です。Inline と Handle のどちらか一方のみが設定されます。
type Outcome struct {
	Inline *Result
	Handle *JobHandle
}
