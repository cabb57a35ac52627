package executor

import (
	"context"
	"strings"
	"time"
)

// RemoteAccess moves files to and from the remote host and runs commands on it
type RemoteAccess interface {
	UploadFile(ctx context.Context, localPath, remotePath string) error
	// DownloadFile returns the number of bytes written to localPath
	DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error)
	ExecRemoteCommand(ctx context.Context, command string, timeout time.Duration) (stdout, stderr string, err error)
	FileExists(ctx context.Context, remotePath string) (bool, error)
}

// shellQuote quotes s for a POSIX shell
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
