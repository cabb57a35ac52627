package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"workflow-orchestrator/core/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Downloader fetches one remote file to a local path
type Downloader interface {
	DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error)
}

// OutputManager downloads workflow outputs in parallel
type OutputManager struct {
	downloader  Downloader
	concurrency int
	log         *zap.Logger
}

// NewOutputManager creates a new output manager
func NewOutputManager(downloader Downloader, concurrency int, log *zap.Logger) *OutputManager {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &OutputManager{
		downloader:  downloader,
		concurrency: concurrency,
		log:         log,
	}
}

// LocalPath returns where an output is stored under dir
func LocalPath(dir, filename string) string {
	return filepath.Join(dir, filepath.Base(filename))
}

// LocalPaths assigns each output a distinct path under dir. Later outputs whose
// file name is already taken get a numeric suffix: out.png, out_2.png, ...
func LocalPaths(dir string, outputs []models.OutputFile) []string {
	taken := make(map[string]bool, len(outputs))
	paths := make([]string, len(outputs))
	for i, out := range outputs {
		local := LocalPath(dir, out.Filename)
		ext := filepath.Ext(local)
		stem := strings.TrimSuffix(local, ext)
		for n := 2; taken[local]; n++ {
			local = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		taken[local] = true
		paths[i] = local
	}
	return paths
}

// DownloadAll downloads every output into dir. Every output is attempted even after a failure;
// onDone runs once per successful download with the output's remote path, possibly concurrently.
// The first failure is returned wrapped in models.ErrTransfer.
func (om *OutputManager) DownloadAll(
	ctx context.Context,
	outputs []models.OutputFile,
	dir string,
	onDone func(remotePath, localPath string, size int64),
) error {
	var g errgroup.Group
	g.SetLimit(om.concurrency)

	locals := LocalPaths(dir, outputs)
	for i, out := range outputs {
		out, local := out, locals[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			size, err := om.downloader.DownloadFile(ctx, out.RemotePath, local)
			if err != nil {
				om.log.Warn("Output download failed",
					zap.String("filename", out.Filename),
					zap.String("remote", out.RemotePath),
					zap.Error(err))
				return fmt.Errorf("%w: %s: %v", models.ErrTransfer, out.Filename, err)
			}
			om.log.Debug("Output downloaded",
				zap.String("filename", out.Filename),
				zap.String("local", local),
				zap.Int64("bytes", size))
			onDone(out.RemotePath, local, size)
			return nil
		})
	}
	return g.Wait()
}
