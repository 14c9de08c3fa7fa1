// Package jobs は変換ジョブのライフサイクル管理とキュー投入を提供します。
package jobs

import (
	"time"

	"github.com/agent-tsuki/FileCraft/internal/convert"
)

// State はジョブの実行状態を表します。
type State string

const (
	// StatePending はキュー投入済みで未着手の状態です。
	StatePending State = "PENDING"
	// StateProcessing はワーカーがジョブを保持している状態です。進捗更新が許可されます。
	StateProcessing State = "PROCESSING"
	// StateSuccess は正常終了です。result が設定されます。
	StateSuccess State = "SUCCESS"
	// StateFailure は異常終了です。error と分類が設定されます。
	StateFailure State = "FAILURE"
)

// Terminal は終了状態かどうかを返します。終了状態のジョブは以後一切変更されません。
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// CanTransitionTo は状態遷移が有効かどうかを返します。有効な遷移は
// PENDING→PROCESSING、PROCESSING→PROCESSING（リトライ）、PROCESSING→終了状態のみです。
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatePending:
		// リトライでも PENDING には戻らない。終了状態へは必ず PROCESSING を経由する。
		return next == StateProcessing
	case StateProcessing:
		return next == StateProcessing || next == StateSuccess || next == StateFailure
	}
	return false
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Step    string `json:"step,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。分類（Class）はリトライ判断に
// 使われたものと同一で、呼び出し元には内部スタックトレースではなくこの情報のみが見えます。
type ErrorInfo struct {
	Class   convert.Class `json:"class"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}

// ResultInfo はジョブ成功時の成果物情報です。
type ResultInfo struct {
	OutputFilename string `json:"outputFilename"`
	OutputPath     string `json:"outputPath"`
	OutputSize     int64  `json:"outputSize"`
	OriginalSize   int64  `json:"originalSize"`
	TargetFormat   string `json:"targetFormat"`
}

// Record はジョブの現在状態を表します。ブローカーの結果ストアが生存期間を所有し、
// 呼び出し元はIDのみを保持してポーリングします。
type Record struct {
	JobID       string                  `json:"jobId"`
	Kind        convert.Kind            `json:"kind"`
	State       State                   `json:"state"`
	Progress    ProgressInfo            `json:"progress"`
	Queue       string                  `json:"queue"`
	Priority    int                     `json:"priority"`
	Attempt     int                     `json:"attempt"`
	MaxAttempts int                     `json:"maxAttempts"`
	Params      *convert.ResolvedParams `json:"params,omitempty"`
	Result      *ResultInfo             `json:"result,omitempty"`
	Error       *ErrorInfo              `json:"error,omitempty"`
	BatchID     string                  `json:"batchId,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
	ExpiresAt   time.Time               `json:"expiresAt"`
}

// BatchRecord はバッチ全体の集計情報です。カウンターは Redis のハッシュ上で
// アトミックに更新されるため、本構造体は読み出し時のスナップショットです。
type BatchRecord struct {
	BatchID    string                  `json:"batchId"`
	JobIDs     []string                `json:"jobIds"`
	Total      int                     `json:"total"`
	Successful int                     `json:"successful"`
	Failed     int                     `json:"failed"`
	Params     *convert.ResolvedParams `json:"params,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
}

// Completed はバッチの全サブジョブが終了状態に達したかどうかを返します。
// 一部のサブジョブが失敗してもバッチ自体が失敗になることはありません。
func (b *BatchRecord) Completed() bool {
	return b.Successful+b.Failed == b.Total
}
