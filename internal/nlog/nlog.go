// Package nlog is the psvcd logger: timestamped and severity-leveled,
// writing each line directly (unbuffered) to a size-rotated file and
// optionally to stderr.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const maxSize = 4 * 1024 * 1024

var (
	toStderr     bool
	alsoToStderr bool
	logDir       string
	prefix       string

	mw   sync.Mutex
	file *os.File
	size int64
)

// InitFlags registers -logtostderr/-alsologtostderr the way cmn/nlog does.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log errors to standard error as well as files")
}

// SetPre sets the log directory and file-name prefix (mirrors nlog.SetPre).
func SetPre(dir, pre string) {
	mw.Lock()
	defer mw.Unlock()
	logDir, prefix = dir, pre
	if file != nil {
		file.Close()
		file = nil
	}
}

func sname(sev severity) string {
	tags := [...]string{"INFO", "WARN", "ERROR"}
	return fmt.Sprintf("%s.%s", prefix, tags[sev])
}

func ensureFile() error {
	if file != nil && size < maxSize {
		return nil
	}
	if file != nil {
		file.Close()
	}
	if logDir == "" {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(logDir, sname(sevInfo)+"."+time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	file, size = f, 0
	return nil
}

func log(sev severity, depth int, format string, args ...any) {
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
	}
	_, file2, line, ok := runtime.Caller(depth + 1)
	loc := "???:0"
	if ok {
		loc = fmt.Sprintf("%s:%d", filepath.Base(file2), line)
	}
	tags := [...]byte{'I', 'W', 'E'}
	line2 := fmt.Sprintf("%c %s %s] %s", tags[sev], time.Now().Format("15:04:05.000000"), loc, msg)

	if toStderr || sev >= sevErr && alsoToStderr {
		os.Stderr.WriteString(line2)
	}
	if toStderr {
		return
	}

	mw.Lock()
	defer mw.Unlock()
	if err := ensureFile(); err != nil {
		os.Stderr.WriteString("nlog: " + err.Error() + "\n")
		return
	}
	if file == nil {
		return
	}
	n, _ := file.WriteString(line2)
	size += int64(n)
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

const (
	ActNone = iota
	ActExit
)

// Flush syncs and, on ActExit, closes the current log file.
func Flush(act ...int) {
	mw.Lock()
	defer mw.Unlock()
	if file == nil {
		return
	}
	file.Sync()
	if len(act) > 0 && act[0] == ActExit {
		file.Close()
		file = nil
	}
}
