// Copyright (C) 2019-2022  Ambassador Labs
// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: Apache-2.0
//
// Contains code based on:
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_logrus.go
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_testing.go
// https://github.com/telepresenceio/telepresence/blob/ece94a40b00a90722af36b12e40f91cbecc0550c/pkg/log/formatter.go

package textui

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slices"
)

type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

var logLevelNames = []struct {
	lvl   dlog.LogLevel
	name  string
	short string
}{
	{dlog.LogLevelError, "error", "ERR"},
	{dlog.LogLevelWarn, "warn", "WRN"},
	{dlog.LogLevelInfo, "info", "INF"},
	{dlog.LogLevelDebug, "debug", "DBG"},
	{dlog.LogLevelTrace, "trace", "TRC"},
}

// Type implements pflag.Value.
func (lvl *LogLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (lvl *LogLevelFlag) Set(str string) error {
	str = strings.ToLower(str)
	if str == "warning" {
		str = "warn"
	}
	for _, ent := range logLevelNames {
		if ent.name == str {
			lvl.Level = ent.lvl
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %q", str)
}

// String implements pflag.Value.
func (lvl *LogLevelFlag) String() string {
	for _, ent := range logLevelNames {
		if ent.lvl == lvl.Level {
			return ent.name
		}
	}
	panic(fmt.Errorf("invalid log level: %#v", lvl.Level))
}

type logger struct {
	parent *logger
	out    io.Writer
	lvl    dlog.LogLevel

	// only valid if parent is non-nil
	fieldKey string
	fieldVal any
}

var _ dlog.OptimizedLogger = (*logger)(nil)

func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{
		out: out,
		lvl: lvl,
	}
}

// Helper implements dlog.Logger.
func (l *logger) Helper() {}

// WithField implements dlog.Logger.
func (l *logger) WithField(key string, value any) dlog.Logger {
	return &logger{
		parent: l,
		out:    l.out,
		lvl:    l.lvl,

		fieldKey: key,
		fieldVal: value,
	}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

// Write implements io.Writer.
func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.log(lw.lvl, func(w io.Writer) {
		_, _ = w.Write(bytes.TrimSuffix(data, []byte("\n")))
	})
	return len(data), nil
}

// StdLogger implements dlog.Logger.
func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

// Log implements dlog.Logger.
func (l *logger) Log(lvl dlog.LogLevel, msg string) {
	panic("should not happen: optimized log methods should be used instead")
}

// UnformattedLog implements dlog.OptimizedLogger.
func (l *logger) UnformattedLog(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprint(w, args...)
	})
}

// UnformattedLogln implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogln(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintln(w, args...)
	})
}

// UnformattedLogf implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogf(lvl dlog.LogLevel, format string, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintf(w, format, args...)
	})
}

var (
	logBufPool = typedsync.Pool[*bytes.Buffer]{
		New: func() *bytes.Buffer {
			return new(bytes.Buffer)
		},
	}
	logMu      sync.Mutex
	thisModDir string
)

func init() {
	//nolint:dogsled // I can't change the signature of the stdlib.
	_, file, _, _ := runtime.Caller(0)
	thisModDir = filepath.Dir(filepath.Dir(filepath.Dir(file)))
}

type logField struct {
	key string
	val any
}

// fields returns the logger's fields, innermost-wins, sorted by
// fieldOrd.
func (l *logger) fields() []logField {
	seen := make(map[string]struct{})
	var ret []logField
	for f := l; f.parent != nil; f = f.parent {
		if _, dup := seen[f.fieldKey]; dup {
			continue
		}
		seen[f.fieldKey] = struct{}{}
		ret = append(ret, logField{key: f.fieldKey, val: f.fieldVal})
	}
	slices.SortFunc(ret, func(a, b logField) bool {
		aOrd, bOrd := fieldOrd(a.key), fieldOrd(b.key)
		if aOrd != bOrd {
			return aOrd < bOrd
		}
		return a.key < b.key
	})
	return ret
}

func (l *logger) log(lvl dlog.LogLevel, writeMsg func(io.Writer)) {
	if lvl > l.lvl {
		return
	}
	logBuf, _ := logBufPool.Get()
	defer logBufPool.Put(logBuf)
	defer logBuf.Reset()

	// time
	const timeFmt = "2006-01-02 15:04:05.0000"
	logBuf.Write(time.Now().AppendFormat(nil, timeFmt))

	// level
	for _, ent := range logLevelNames {
		if ent.lvl == lvl {
			logBuf.WriteString(" " + ent.short)
			break
		}
	}

	// fields that go before the message
	fields := l.fields()
	split := len(fields)
	for i, field := range fields {
		if fieldOrd(field.key) >= 0 {
			split = i
			break
		}
		writeField(logBuf, field.key, field.val)
	}

	// message
	logBuf.WriteString(" : ")
	writeMsg(logBuf)

	// fields that go after the message
	logBuf.WriteString(" :")
	for _, field := range fields[split:] {
		writeField(logBuf, field.key, field.val)
	}

	writeCaller(logBuf)
	logBuf.WriteByte('\n')

	logMu.Lock()
	_, _ = l.out.Write(logBuf.Bytes())
	logMu.Unlock()
}

func writeCaller(w io.Writer) {
	const (
		thisModule             = "git.lukeshu.com/stripemap-ng"
		thisPackage            = "git.lukeshu.com/stripemap-ng/lib/textui"
		maximumCallerDepth int = 25
		minimumCallerDepth int = 4 // runtime.Callers + writeCaller + .log + .Log
	)
	var pcs [maximumCallerDepth]uintptr
	depth := runtime.Callers(minimumCallerDepth, pcs[:])
	frames := runtime.CallersFrames(pcs[:depth])
	for f, again := frames.Next(); again; f, again = frames.Next() {
		if !strings.HasPrefix(f.Function, thisModule+"/") {
			continue
		}
		if strings.HasPrefix(f.Function, thisPackage+".") {
			continue
		}
		file := f.File[strings.LastIndex(f.File, thisModDir+"/")+len(thisModDir+"/"):]
		fmt.Fprintf(w, " (from %s:%d)", file, f.Line)
		return
	}
}

// fieldOrd returns the sort-position for a given log-field-key.  Lower return
// values should be positioned on the left when logging, and higher values
// should be positioned on the right; values <0 should be on the left of the log
// message, while values ≥0 should be on the right of the log message.
func fieldOrd(key string) int {
	switch key {
	// dlib
	case "THREAD": // dgroup
		return -99

	// mount / recovery
	case "stripemap.mount.step":
		return -20
	case "stripemap.replay.step":
		return -19
	case "stripemap.journal.group":
		return -10

	// per-object context
	case "stripemap.gc.segment":
		return -6
	case "stripemap.map":
		return -5
	case "stripemap.volume":
		return -4
	case "stripemap.vsid":
		return -3
	case "stripemap.flush.vsid":
		return -2
	case "stripemap.read-json-file":
		return -1

	default:
		return 1
	}
}

func writeField(w io.Writer, key string, val any) {
	valBuf, _ := logBufPool.Get()
	defer func() {
		valBuf.Reset()
		logBufPool.Put(valBuf)
	}()
	_, _ = printer.Fprint(valBuf, val)
	valStr := valBuf.String()
	if strings.HasPrefix(valStr, `"`) || strings.IndexFunc(valStr, func(r rune) bool {
		return !unicode.IsPrint(r) || r == ' '
	}) >= 0 {
		valStr = fmt.Sprintf("%q", valStr)
	}

	name := key
	switch {
	case name == "THREAD":
		name = "thread"
		switch {
		case valStr == "" || valStr == "/main":
			return
		case strings.HasPrefix(valStr, "/main/"):
			valStr = strings.TrimPrefix(valStr, "/main/")
		default:
			valStr = strings.TrimPrefix(valStr, "/")
		}
	case strings.HasSuffix(name, ".step"):
		fmt.Fprintf(w, " %s", valStr)
		return
	case strings.HasPrefix(name, "stripemap."):
		name = strings.TrimPrefix(name, "stripemap.")
	}

	fmt.Fprintf(w, " %s=%s", name, valStr)
}
