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
	"fmt"
	"strings"
)

// LvlFilterHandler wraps h, dropping any record more verbose than maxLvl.
func LvlFilterHandler(maxLvl Lvl, h Handler) Handler {
	return FuncHandler(func(r *Record) error {
		if r.Lvl > maxLvl {
			return nil
		}
		return h.Log(r)
	})
}

// LvlFromString parses the level names accepted in config (case
// insensitive: "crit", "error", "warn", "info", "debug", "trace").
func LvlFromString(s string) (Lvl, error) {
	switch strings.ToLower(s) {
	case "crit", "critical":
		return LvlCrit, nil
	case "error":
		return LvlError, nil
	case "warn", "warning":
		return LvlWarn, nil
	case "info":
		return LvlInfo, nil
	case "debug":
		return LvlDebug, nil
	case "trace":
		return LvlTrace, nil
	default:
		return 0, fmt.Errorf("log: unknown level %q", s)
	}
}
