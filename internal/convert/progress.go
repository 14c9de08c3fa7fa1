package convert

// ProgressReporter は進捗更新用コールバックです。同期実行では nil が渡され、
// 進捗は公開されません。
type ProgressReporter func(step string, percent int)

func reportProgress(cb ProgressReporter, step string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(step, percent)
}
