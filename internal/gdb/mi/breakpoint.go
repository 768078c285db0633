// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package mi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoBreakpoint = errors.New("no breakpoint in MI output")

// Breakpoint is the breakpoint description GDB reports as bkpt={...}.
type Breakpoint struct {
	// Number as reported by GDB; "2.1" for a location of a multi-location breakpoint.
	Number string

	// ID is the integer part of Number.
	ID int

	Type             string
	Disposition      string
	Enabled          bool
	Address          string
	Function         string
	File             string
	Fullname         string
	Line             int
	Times            int
	Condition        string
	Pending          string
	OriginalLocation string
}

// Path returns the full path of the source file if GDB knows it, the file name otherwise.
func (b Breakpoint) Path() string {
	if b.Fullname != "" {
		return b.Fullname
	}
	return b.File
}

// Verified reports whether GDB resolved the breakpoint to a code location.
func (b Breakpoint) Verified() bool {
	return b.Pending == "" && (b.Line > 0 || b.Address != "" && b.Address != "<PENDING>")
}

// BreakpointFromTuple converts the contents of a bkpt={...} tuple.
func BreakpointFromTuple(t Tuple) (Breakpoint, error) {
	number := t.String("number")
	if number == "" {
		return Breakpoint{}, fmt.Errorf("%w: breakpoint has no number", ErrSyntax)
	}

	idPart, _, _ := strings.Cut(number, ".")
	id, convErr := strconv.Atoi(idPart)
	if convErr != nil {
		return Breakpoint{}, fmt.Errorf("%w: invalid breakpoint number %q", ErrSyntax, number)
	}

	bp := Breakpoint{
		Number:           number,
		ID:               id,
		Type:             t.String("type"),
		Disposition:      t.String("disp"),
		Enabled:          t.String("enabled") != "n",
		Address:          t.String("addr"),
		Function:         t.String("func"),
		File:             t.String("file"),
		Fullname:         t.String("fullname"),
		Condition:        t.String("cond"),
		Pending:          t.String("pending"),
		OriginalLocation: t.String("original-location"),
	}
	bp.Line, _ = t.Int("line")
	bp.Times, _ = t.Int("times")

	// Multi-location breakpoints describe their resolved locations in a nested list.
	if bp.Line == 0 {
		if locations, found := t.List("locations"); found {
			for _, loc := range locations.Tuples() {
				if line, hasLine := loc.Int("line"); hasLine {
					bp.Line = line
					bp.File = loc.String("file")
					bp.Fullname = loc.String("fullname")
					bp.Address = loc.String("addr")
					break
				}
			}
		}
	}

	return bp, nil
}

// ParseBreakpoint returns the first breakpoint described in a block of MI text,
// such as the output of -break-insert or -break-info.
func ParseBreakpoint(text string) (Breakpoint, error) {
	bps, parseErr := ParseBreakpoints(text)
	if parseErr != nil {
		return Breakpoint{}, parseErr
	}
	if len(bps) == 0 {
		return Breakpoint{}, ErrNoBreakpoint
	}
	return bps[0], nil
}

// ParseBreakpoints returns every breakpoint described by a bkpt={...} block in the text,
// e.g. the body of a -break-list result. Blocks that cannot be parsed are skipped;
// the error reports them after the valid breakpoints are collected.
func ParseBreakpoints(text string) ([]Breakpoint, error) {
	const marker = "bkpt={"

	var bps []Breakpoint
	var errs []error
	for offset := 0; ; {
		idx := strings.Index(text[offset:], marker)
		if idx < 0 {
			break
		}
		start := offset + idx + len(marker) - 1

		p := &parser{s: text, pos: start}
		v, valueErr := p.value()
		offset = start + 1
		if valueErr != nil {
			errs = append(errs, valueErr)
			continue
		}
		offset = p.pos

		bp, bpErr := BreakpointFromTuple(v.(Tuple))
		if bpErr != nil {
			errs = append(errs, bpErr)
			continue
		}
		bps = append(bps, bp)
	}

	return bps, errors.Join(errs...)
}
