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

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Format turns a Record into a line of output.
type Format func(r *Record) []byte

var levelColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgBlue),
}

// TerminalFormat renders a Record the way an interactive terminal session
// wants to read it: aligned level tag, message, then space-separated
// key=value pairs. When color is false (or the destination isn't a tty)
// the level tag is left uncolored.
func TerminalFormat(useColor bool) Format {
	return func(r *Record) []byte {
		var b strings.Builder
		tag := fmt.Sprintf("%-5s", r.Lvl.String())
		if useColor {
			if c, ok := levelColor[r.Lvl]; ok {
				tag = c.Sprint(tag)
			}
		}
		fmt.Fprintf(&b, "%s[%s] %s", tag, r.Time.Format("2006-01-02T15:04:05.000"), r.Msg)
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			fmt.Fprintf(&b, " %v=%v", r.Ctx[i], formatValue(r.Ctx[i+1]))
		}
		b.WriteByte('\n')
		return []byte(b.String())
	}
}

// JSONFormat renders a Record as a single line of JSON: one object with a
// field per key in Ctx plus "t" (time), "lvl" and "msg".
func JSONFormat() Format {
	return func(r *Record) []byte {
		obj := make(map[string]any, len(r.Ctx)/2+3)
		obj["t"] = r.Time
		obj["lvl"] = r.Lvl.String()
		obj["msg"] = r.Msg
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			key := fmt.Sprintf("%v", r.Ctx[i])
			obj[key] = r.Ctx[i+1]
		}
		line, err := json.Marshal(obj)
		if err != nil {
			return []byte(fmt.Sprintf(`{"lvl":"ERROR","msg":%q}`+"\n", "log: marshal failed: "+err.Error()))
		}
		return append(line, '\n')
	}
}

func formatValue(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	s := fmt.Sprintf("%v", v)
	if strings.ContainsAny(s, " \t\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// StreamHandler writes formatted records to w, serialized by a mutex so
// concurrent loggers never interleave partial lines.
func StreamHandler(w io.Writer, fmtr Format) Handler {
	h := &streamHandler{w: w, fmtr: fmtr}
	return h
}

type streamHandler struct {
	mu   sync.Mutex
	w    io.Writer
	fmtr Format
}

func (h *streamHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(h.fmtr(r))
	return err
}

// MultiHandler fans a Record out to every handler in hs, returning the
// first error encountered (after attempting all of them).
func MultiHandler(hs ...Handler) Handler {
	return FuncHandler(func(r *Record) error {
		var firstErr error
		for _, h := range hs {
			if err := h.Log(r); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// StderrIsTTY reports whether stderr is an interactive terminal; callers
// use this to decide whether TerminalFormat should emit color codes.
func StderrIsTTY() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}
