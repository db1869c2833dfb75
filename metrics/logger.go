package metrics

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Log(info *MetricsInfo)
}

type StdoutLogger struct {
	out io.Writer
}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{out: os.Stdout}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err == nil {
		io.WriteString(l.out, infoStr)
	} else {
		log.Printf("StdoutLogger: error: %v", err)
	}
}

const defaultQueueSize = 2000
const defaultLogWriters = 2
const defaultMaxLogFileSize = 1024 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger writes metrics records to log{idx} files in LogDir, one per
// writer goroutine. A file reaching MaxLogFileSize is rotated to
// log{idx}.{n}; once MaxLogFiles rotations exist the oldest is replaced.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool

	wg sync.WaitGroup
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, verbose bool) *FileLogger {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
	}

	for i := 0; i < defaultLogWriters; i++ {
		logger.wg.Add(1)
		go logger.startLogWriter(i)
	}

	return logger
}

func (l *FileLogger) Log(info *MetricsInfo) {
	l.MetricsQueue <- info
}

// Close drains the queue and waits for the writers to finish.
func (l *FileLogger) Close() {
	close(l.MetricsQueue)
	l.wg.Wait()
}

func (l *FileLogger) startLogWriter(idx int) {
	defer l.wg.Done()

	f, err := l.openLogFile(idx)
	if err != nil {
		log.Printf("FileLogger%d: log open error: %v", idx, err)
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Printf("FileLogger%d: info.ToJSON() error: %v", idx, err)
			continue
		}

		f, err = l.tryRotateLogFile(f, idx)
		if err != nil {
			continue
		}

		if _, err := f.WriteString(infoStr); err != nil {
			log.Printf("FileLogger%d: write error: %v", idx, err)
			continue
		}
		f.Sync()
	}
}

func (l *FileLogger) logFilePath(idx int) string {
	return path.Join(l.LogDir, fmt.Sprintf("log%d", idx))
}

func (l *FileLogger) openLogFile(idx int) (*os.File, error) {
	return os.OpenFile(l.logFilePath(idx), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File, idx int) (*os.File, error) {
	if currFile == nil {
		return l.openLogFile(idx)
	}

	info, err := currFile.Stat()
	if err != nil {
		log.Printf("FileLogger%d: log rotation error: %v", idx, err)
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	rotatedLogFilePath, err := l.rotationTarget(idx)
	if err != nil {
		log.Printf("FileLogger%d: log rotation error: %v", idx, err)
		return currFile, nil
	}

	currFile.Close()
	if err := os.Rename(l.logFilePath(idx), rotatedLogFilePath); err != nil {
		log.Printf("FileLogger%d: log rotation error: %v", idx, err)
	} else if l.Verbose {
		log.Printf("FileLogger%d: log file rotated: %v", idx, rotatedLogFilePath)
	}

	f, err := l.openLogFile(idx)
	if err != nil {
		log.Printf("FileLogger%d: log rotation error: %v", idx, err)
	}
	return f, err
}

// rotationTarget picks the first free log{idx}.{n} slot, or frees the
// oldest one when all MaxLogFiles slots are taken.
func (l *FileLogger) rotationTarget(idx int) (string, error) {
	for i := 0; i < l.MaxLogFiles; i++ {
		filePath := path.Join(l.LogDir, fmt.Sprintf("log%d.%d", idx, i))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			return filePath, nil
		}
	}

	entries, err := os.ReadDir(l.LogDir)
	if err != nil {
		return "", err
	}

	prefix := fmt.Sprintf("log%d.", idx)
	var oldest string
	oldestTime := time.Now()
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(oldestTime) {
			oldest = entry.Name()
			oldestTime = fi.ModTime()
		}
	}

	rotated := path.Join(l.LogDir, prefix+"0")
	if oldest != "" {
		rotated = path.Join(l.LogDir, oldest)
	}
	if l.Verbose {
		log.Printf("FileLogger%d: maximum number of log files reached, overwriting %s", idx, rotated)
	}
	if err := os.Remove(rotated); err != nil {
		return "", err
	}
	return rotated, nil
}
