package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogRotator 带大小上限的日志文件写入器
// 乒乓轮转: 超过上限时 keypool.log -> keypool.log.old，只保留一个备份
type LogRotator struct {
	filename    string
	maxSize     int64 // bytes
	file        *os.File
	mu          sync.Mutex
	currentSize int64
}

// NewLogRotator maxSizeMB <= 0 时按 10MB 处理
func NewLogRotator(filename string, maxSizeMB int) (*LogRotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if dir := filepath.Dir(filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) openFile() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.currentSize+int64(len(p)) > r.maxSize && r.currentSize > 0 {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "Log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

func (r *LogRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	backupName := r.filename + ".old"
	os.Remove(backupName) // 备份可能不存在
	if err := os.Rename(r.filename, backupName); err != nil {
		// 改名失败也要重新打开，保证后续写入不落空
		if openErr := r.openFile(); openErr != nil {
			r.file = nil
			return openErr
		}
		return err
	}
	return r.openFile()
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// AttachToLogger 同时输出到 stdout 与轮转文件
func (r *LogRotator) AttachToLogger(logger *logrus.Logger) {
	logger.SetOutput(io.MultiWriter(os.Stdout, r))
}
