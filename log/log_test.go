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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalFormatIncludesContext(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{handler: StreamHandler(&buf, TerminalFormat(false))}
	l.Info("pulled block", "idx", 7, "slot", 3)

	out := buf.String()
	require.Contains(t, out, "pulled block")
	require.Contains(t, out, "idx=7")
	require.Contains(t, out, "slot=3")
}

func TestWithAppendsContext(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{handler: StreamHandler(&buf, TerminalFormat(false))}
	child := l.With("conn", "nbd-1")
	child.Warn("short read")

	require.Contains(t, buf.String(), "conn=nbd-1")
}

func TestJSONFormatEmitsOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{handler: StreamHandler(&buf, JSONFormat())}
	l.Error("write failed", "block", 42)
	l.Error("write failed", "block", 43)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"block":42`)
}

func TestMultiHandlerFansOutToAll(t *testing.T) {
	var a, b bytes.Buffer
	h := MultiHandler(StreamHandler(&a, TerminalFormat(false)), StreamHandler(&b, TerminalFormat(false)))
	l := &Logger{handler: h}
	l.Debug("hello")

	require.Contains(t, a.String(), "hello")
	require.Contains(t, b.String(), "hello")
}
