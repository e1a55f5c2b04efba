// Copyright 2024 The gbd Authors
// This file is part of the gbd library.
//
// The gbd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gbd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gbd library. If not, see <http://www.gnu.org/licenses/>.

// Package log provides leveled, structured logging in the key/value idiom:
// log.Info("msg", "key", value, "key2", value2). It is pluggable via
// Handler and ships a color-aware terminal handler and a JSON handler,
// optionally fanned out to a rotating AsyncFileWriter.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
)

// Lvl is a logging severity level, most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Record is one log event.
type Record struct {
	Time    time.Time
	Lvl     Lvl
	Msg     string
	Ctx     []any
}

// Handler formats and writes a Record. Implementations must be safe for
// concurrent use.
type Handler interface {
	Log(r *Record) error
}

// FuncHandler turns a plain function into a Handler.
type FuncHandler func(r *Record) error

func (f FuncHandler) Log(r *Record) error { return f(r) }

// Logger is a leveled, contextual logger. The zero value is not usable;
// obtain one with New or use the package-level root logger.
type Logger struct {
	ctx     []any
	handler Handler
}

var (
	rootMu sync.RWMutex
	root   = &Logger{handler: StreamHandler(colorable.NewColorableStderr(), TerminalFormat(StderrIsTTY()))}
)

// New returns a new Logger that prepends ctx to every record it emits,
// sharing the root's handler.
func New(ctx ...any) *Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return &Logger{ctx: append([]any{}, ctx...), handler: root.handler}
}

// SetHandler replaces the handler used by the package-level root logger.
func SetHandler(h Handler) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root.handler = h
}

// With returns a child logger with additional context appended.
func (l *Logger) With(ctx ...any) *Logger {
	return &Logger{ctx: append(append([]any{}, l.ctx...), ctx...), handler: l.handler}
}

func (l *Logger) write(lvl Lvl, msg string, ctx ...any) {
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  append(append([]any{}, l.ctx...), ctx...),
	}
	if err := l.handler.Log(r); err != nil {
		fmt.Fprintf(os.Stderr, "log: handler error: %v\n", err)
	}
}

func (l *Logger) Trace(msg string, ctx ...any) { l.write(LvlTrace, msg, ctx...) }
func (l *Logger) Debug(msg string, ctx ...any) { l.write(LvlDebug, msg, ctx...) }
func (l *Logger) Info(msg string, ctx ...any)  { l.write(LvlInfo, msg, ctx...) }
func (l *Logger) Warn(msg string, ctx ...any)  { l.write(LvlWarn, msg, ctx...) }
func (l *Logger) Error(msg string, ctx ...any) { l.write(LvlError, msg, ctx...) }

// Crit logs at LvlCrit and terminates the process, mirroring the
// convention that a Crit-level event means the cache can no longer
// guarantee its invariants and must stop rather than limp onward.
func (l *Logger) Crit(msg string, ctx ...any) {
	l.write(LvlCrit, msg, ctx...)
	os.Exit(1)
}

func currentRoot() *Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

func Trace(msg string, ctx ...any) { currentRoot().write(LvlTrace, msg, ctx...) }
func Debug(msg string, ctx ...any) { currentRoot().write(LvlDebug, msg, ctx...) }
func Info(msg string, ctx ...any)  { currentRoot().write(LvlInfo, msg, ctx...) }
func Warn(msg string, ctx ...any)  { currentRoot().write(LvlWarn, msg, ctx...) }
func Error(msg string, ctx ...any) { currentRoot().write(LvlError, msg, ctx...) }
func Crit(msg string, ctx ...any)  { currentRoot().Crit(msg, ctx...) }
