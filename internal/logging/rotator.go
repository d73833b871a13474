package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
)

// ParseSize 解析 "100MB"、"512KiB" 之类的大小配置
func ParseSize(size string) (int64, error) {
	if size == "" {
		return 0, fmt.Errorf("size is empty")
	}
	bytes, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size %q: %w", size, err)
	}
	if bytes == 0 {
		return 0, fmt.Errorf("size must be greater than 0")
	}
	return int64(bytes), nil
}

// FileRotator 按大小轮转的日志文件
// app.log 写满后依次重命名为 app.log.1 ... app.log.N，超过 maxFiles 的旧文件被删除
type FileRotator struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	file  *os.File
	size  int64
	mutex sync.Mutex
}

// NewFileRotator 打开（或创建）日志文件
func NewFileRotator(path string, maxSize int64, maxFiles int, compress bool) (*FileRotator, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be greater than 0")
	}
	if maxFiles <= 0 {
		maxFiles = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fr := &FileRotator{
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		compress: compress,
	}
	if err := fr.open(); err != nil {
		return nil, err
	}
	return fr, nil
}

func (fr *FileRotator) open() error {
	file, err := os.OpenFile(fr.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	fr.file = file
	fr.size = info.Size()
	return nil
}

// Write 写入日志，超过上限前先轮转
func (fr *FileRotator) Write(p []byte) (int, error) {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()

	if fr.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}
	if fr.size > 0 && fr.size+int64(len(p)) > fr.maxSize {
		if err := fr.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := fr.file.Write(p)
	fr.size += int64(n)
	return n, err
}

func (fr *FileRotator) rotate() error {
	if err := fr.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	fr.file = nil

	ext := ""
	if fr.compress {
		ext = ".gz"
	}

	// 删除最旧的一个，其余依次后移
	os.Remove(fmt.Sprintf("%s.%d%s", fr.path, fr.maxFiles, ext))
	for i := fr.maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d%s", fr.path, i, ext)
		to := fmt.Sprintf("%s.%d%s", fr.path, i+1, ext)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}

	rotated := fr.path + ".1"
	if err := os.Rename(fr.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if fr.compress {
		if err := compressFile(rotated); err != nil {
			return err
		}
	}

	return fr.open()
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open rotated log: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("failed to create compressed log: %w", err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return fmt.Errorf("failed to compress rotated log: %w", err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return fmt.Errorf("failed to compress rotated log: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

// Sync 刷盘
func (fr *FileRotator) Sync() error {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()
	if fr.file == nil {
		return nil
	}
	return fr.file.Sync()
}

// Close 关闭文件
func (fr *FileRotator) Close() error {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()
	if fr.file == nil {
		return nil
	}
	err := fr.file.Close()
	fr.file = nil
	return err
}
