package convert

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const manifestFilename = "manifest.json"

// Manifest はジョブ実行に必要な情報をワークスペース内に永続化します。
// 非同期実行時はAPIプロセスが書き込み、ワーカープロセスが読み出します。
type Manifest struct {
	JobID            string          `json:"jobId"`
	Kind             Kind            `json:"kind"`
	OriginalFilename string          `json:"originalFilename"`
	InputFilename    string          `json:"inputFilename"`
	InputSize        int64           `json:"inputSize"`
	Params           *ResolvedParams `json:"params"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Workspace はジョブ単位の一時作業領域です。入力ファイルとマニフェストを保持し、
// Release によって確実に一度だけ削除されます。
type Workspace struct {
	JobID     string
	Dir       string
	InDir     string
	OutDir    string
	InputPath string
	Manifest  *Manifest

	releaseOnce sync.Once
	releaseErr  error
}

// StageWorkspace は入力データとマニフェストをスプールディレクトリへ書き出します。
// 途中で失敗した場合、作成済みのファイルは残さず削除します。
func StageWorkspace(spoolDir, jobID string, kind Kind, filename string, source io.Reader, params *ResolvedParams) (*Workspace, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	if params == nil {
		return nil, fmt.Errorf("params is nil")
	}

	dir := filepath.Join(spoolDir, jobID)
	inDir := filepath.Join(dir, "in")
	outDir := filepath.Join(dir, "out")
	for _, d := range []string{inDir, outDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	ws := &Workspace{
		JobID:  jobID,
		Dir:    dir,
		InDir:  inDir,
		OutDir: outDir,
	}

	inputName := "source" + strings.ToLower(filepath.Ext(filename))
	inputPath := filepath.Join(inDir, inputName)
	size, err := writeFile(inputPath, source)
	if err != nil {
		_ = ws.Release()
		return nil, fmt.Errorf("failed to stage input: %w", err)
	}

	manifest := &Manifest{
		JobID:            jobID,
		Kind:             kind,
		OriginalFilename: filename,
		InputFilename:    inputName,
		InputSize:        size,
		Params:           params,
		CreatedAt:        time.Now().UTC(),
	}
	if err := writeManifest(dir, manifest); err != nil {
		_ = ws.Release()
		return nil, err
	}

	ws.InputPath = inputPath
	ws.Manifest = manifest
	return ws, nil
}

// LoadWorkspace は既存のワークスペースをマニフェストから復元します。
func LoadWorkspace(spoolDir, jobID string) (*Workspace, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	dir := filepath.Join(spoolDir, jobID)
	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest.Params == nil {
		return nil, fmt.Errorf("manifest missing params: %s", jobID)
	}

	return &Workspace{
		JobID:     jobID,
		Dir:       dir,
		InDir:     filepath.Join(dir, "in"),
		OutDir:    filepath.Join(dir, "out"),
		InputPath: filepath.Join(dir, "in", manifest.InputFilename),
		Manifest:  manifest,
	}, nil
}

// Release はワークスペースを削除します。成功・失敗・強制終了のいずれの経路でも
// ちょうど一度だけ実行されます。
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.releaseOnce.Do(func() {
		w.releaseErr = os.RemoveAll(w.Dir)
	})
	return w.releaseErr
}

func writeFile(path string, source io.Reader) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(file, source)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return size, err
}

func writeManifest(dir string, manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	path := filepath.Join(dir, manifestFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

func loadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
