// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package mi parses the output of GDB's machine interface (MI).
//
// Every line GDB writes in MI mode is one record:
//
//	[token]^class[,results]    result record, answers the command with the same token
//	[token]*class[,results]    exec async record (running, stopped)
//	[token]+class[,results]    status async record
//	[token]=class[,results]    notify async record (thread-created, library-loaded...)
//	~"text"                    console stream
//	@"text"                    target (debuggee) stream
//	&"text"                    log stream
//	(gdb)                      prompt
//
// Results are key=value pairs whose values are c-strings, tuples {...} or lists [...].
package mi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSyntax = errors.New("invalid MI syntax")

type RecordKind int

const (
	ResultRecord RecordKind = iota
	ExecAsyncRecord
	StatusAsyncRecord
	NotifyAsyncRecord
	ConsoleStreamRecord
	TargetStreamRecord
	LogStreamRecord
	PromptRecord
)

func (k RecordKind) String() string {
	switch k {
	case ResultRecord:
		return "result"
	case ExecAsyncRecord:
		return "exec-async"
	case StatusAsyncRecord:
		return "status-async"
	case NotifyAsyncRecord:
		return "notify-async"
	case ConsoleStreamRecord:
		return "console-stream"
	case TargetStreamRecord:
		return "target-stream"
	case LogStreamRecord:
		return "log-stream"
	case PromptRecord:
		return "prompt"
	default:
		return "unknown"
	}
}

// Result classes of result records.
const (
	ClassDone      = "done"
	ClassRunning   = "running"
	ClassConnected = "connected"
	ClassError     = "error"
	ClassExit      = "exit"
)

type Record struct {
	Kind RecordKind

	// Token is the numeric prefix GDB echoes from the command, or -1 if the record has none.
	Token int

	// Class is the result or async class, e.g. "done" or "stopped". Empty for stream and prompt records.
	Class string

	Results Tuple

	// Stream is the unescaped text of a stream record.
	Stream string
}

func (r *Record) HasToken() bool {
	return r.Token >= 0
}

func (r *Record) IsError() bool {
	return r.Kind == ResultRecord && r.Class == ClassError
}

// ErrorMessage returns the "msg" field of an error result record.
func (r *Record) ErrorMessage() string {
	return r.Results.String("msg")
}

// Value is one of Const, Tuple or List.
type Value interface {
	isValue()
}

type Const string

// Result is a key=value pair. Lists may hold results as elements, e.g. [frame={...},frame={...}].
type Result struct {
	Key   string
	Value Value
}

// Tuple is an ordered set of results. GDB may repeat keys within a tuple.
type Tuple []Result

type List []Value

func (Const) isValue()  {}
func (Result) isValue() {}
func (Tuple) isValue()  {}
func (List) isValue()   {}

// Get returns the value of the first result with the given key.
func (t Tuple) Get(key string) (Value, bool) {
	for _, r := range t {
		if r.Key == key {
			return r.Value, true
		}
	}
	return nil, false
}

// String returns the constant value for the key, or an empty string.
func (t Tuple) String(key string) string {
	if v, found := t.Get(key); found {
		if c, isConst := v.(Const); isConst {
			return string(c)
		}
	}
	return ""
}

// Int returns the constant value for the key converted to an integer.
func (t Tuple) Int(key string) (int, bool) {
	s := t.String(key)
	if s == "" {
		return 0, false
	}
	n, convErr := strconv.Atoi(s)
	if convErr != nil {
		return 0, false
	}
	return n, true
}

func (t Tuple) Tuple(key string) (Tuple, bool) {
	if v, found := t.Get(key); found {
		tuple, isTuple := v.(Tuple)
		return tuple, isTuple
	}
	return nil, false
}

func (t Tuple) List(key string) (List, bool) {
	if v, found := t.Get(key); found {
		list, isList := v.(List)
		return list, isList
	}
	return nil, false
}

// Tuples returns the tuple elements of a list, unwrapping key=tuple results.
// Elements that are not tuples are skipped.
func (l List) Tuples() []Tuple {
	var tuples []Tuple
	for _, v := range l {
		if r, isResult := v.(Result); isResult {
			v = r.Value
		}
		if t, isTuple := v.(Tuple); isTuple {
			tuples = append(tuples, t)
		}
	}
	return tuples
}

// Strings returns the constant elements of a list.
func (l List) Strings() []string {
	var values []string
	for _, v := range l {
		if r, isResult := v.(Result); isResult {
			v = r.Value
		}
		if c, isConst := v.(Const); isConst {
			values = append(values, string(c))
		}
	}
	return values
}

// IsRecord reports whether a line looks like the beginning of an MI record.
// Debuggee output that shares GDB's standard output usually does not.
func IsRecord(line string) bool {
	line = strings.TrimLeft(line, "0123456789")
	if line == "" {
		return false
	}
	switch line[0] {
	case '^', '*', '+', '=', '~', '@', '&':
		return true
	}
	return strings.HasPrefix(line, "(gdb)")
}

// ParseRecord parses one line of MI output.
func ParseRecord(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "(gdb)" {
		return &Record{Kind: PromptRecord, Token: -1}, nil
	}

	p := &parser{s: line}
	rec := &Record{Token: -1}

	tokenEnd := p.pos
	for tokenEnd < len(p.s) && p.s[tokenEnd] >= '0' && p.s[tokenEnd] <= '9' {
		tokenEnd++
	}
	if tokenEnd > p.pos {
		token, convErr := strconv.Atoi(p.s[p.pos:tokenEnd])
		if convErr != nil {
			return nil, p.errorf("invalid token: %v", convErr)
		}
		rec.Token = token
		p.pos = tokenEnd
	}

	if p.eof() {
		return nil, p.errorf("missing record type")
	}

	prefix := p.next()
	switch prefix {
	case '^':
		rec.Kind = ResultRecord
	case '*':
		rec.Kind = ExecAsyncRecord
	case '+':
		rec.Kind = StatusAsyncRecord
	case '=':
		rec.Kind = NotifyAsyncRecord
	case '~', '@', '&':
		if rec.HasToken() {
			return nil, p.errorf("stream records do not carry a token")
		}
		switch prefix {
		case '~':
			rec.Kind = ConsoleStreamRecord
		case '@':
			rec.Kind = TargetStreamRecord
		default:
			rec.Kind = LogStreamRecord
		}
		text, strErr := p.cstring()
		if strErr != nil {
			return nil, strErr
		}
		rec.Stream = text
		return rec, p.expectEnd()
	default:
		return nil, p.errorf("unknown record type '%c'", prefix)
	}

	classEnd := strings.IndexByte(p.s[p.pos:], ',')
	if classEnd < 0 {
		rec.Class = p.s[p.pos:]
		p.pos = len(p.s)
	} else {
		rec.Class = p.s[p.pos : p.pos+classEnd]
		p.pos += classEnd + 1
	}
	if rec.Class == "" {
		return nil, p.errorf("missing record class")
	}

	if classEnd >= 0 {
		if p.eof() {
			return nil, p.errorf("expected a result after ','")
		}
		results, resultsErr := p.results(0)
		if resultsErr != nil {
			return nil, resultsErr
		}
		rec.Results = results
	}
	return rec, p.expectEnd()
}

// ParseResults parses a comma-separated list of results, e.g. `bkpt={number="1"},x="2"`.
func ParseResults(text string) (Tuple, error) {
	p := &parser{s: text}
	results, resultsErr := p.results(0)
	if resultsErr != nil {
		return nil, resultsErr
	}
	return results, p.expectEnd()
}

type parser struct {
	s   string
	pos int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.s)
}

func (p *parser) peek() byte {
	return p.s[p.pos]
}

func (p *parser) next() byte {
	c := p.s[p.pos]
	p.pos++
	return c
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) expectEnd() error {
	if !p.eof() {
		return p.errorf("unexpected trailing text %q", p.s[p.pos:])
	}
	return nil
}

// results parses results until the end of input or the closing character.
func (p *parser) results(closing byte) (Tuple, error) {
	var tuple Tuple
	for !p.eof() && p.peek() != closing {
		if p.peek() == '{' && len(tuple) > 0 {
			if locErr := p.location(&tuple[len(tuple)-1]); locErr != nil {
				return nil, locErr
			}
		} else {
			r, resultErr := p.result()
			if resultErr != nil {
				return nil, resultErr
			}
			tuple = append(tuple, r)
		}

		if p.eof() || p.peek() == closing {
			break
		}
		if p.next() != ',' {
			p.pos--
			return nil, p.errorf("expected ','")
		}
		if p.eof() || p.peek() == closing {
			return nil, p.errorf("expected a result after ','")
		}
	}
	return tuple, nil
}

// location parses a bare tuple that follows a key={...} result. With --interpreter=mi2, GDB reports
// the locations of a multi-location breakpoint that way: bkpt={number="1",...},{number="1.1",...}.
// The tuple is added to a locations=[...] list of the preceding tuple, which is where mi3 puts it.
func (p *parser) location(owner *Result) error {
	ownerTuple, isTuple := owner.Value.(Tuple)
	if !isTuple {
		return p.errorf("unexpected character '{'")
	}

	v, valueErr := p.value()
	if valueErr != nil {
		return valueErr
	}

	for i := range ownerTuple {
		if ownerTuple[i].Key != "locations" {
			continue
		}
		if locations, isList := ownerTuple[i].Value.(List); isList {
			ownerTuple[i].Value = append(locations, v)
			return nil
		}
	}
	owner.Value = append(ownerTuple, Result{Key: "locations", Value: List{v}})
	return nil
}

func (p *parser) result() (Result, error) {
	start := p.pos
	for !p.eof() && p.peek() != '=' {
		switch p.peek() {
		case ',', '{', '}', '[', ']', '"':
			return Result{}, p.errorf("expected '=' after %q", p.s[start:p.pos])
		}
		p.pos++
	}
	if p.eof() {
		return Result{}, p.errorf("expected '=' after %q", p.s[start:p.pos])
	}
	key := p.s[start:p.pos]
	if key == "" {
		return Result{}, p.errorf("empty result name")
	}
	p.pos++ // '='

	v, valueErr := p.value()
	if valueErr != nil {
		return Result{}, valueErr
	}
	return Result{Key: key, Value: v}, nil
}

func (p *parser) value() (Value, error) {
	if p.eof() {
		return nil, p.errorf("missing value")
	}

	switch p.peek() {
	case '"':
		s, strErr := p.cstring()
		return Const(s), strErr

	case '{':
		p.pos++
		tuple, tupleErr := p.results('}')
		if tupleErr != nil {
			return nil, tupleErr
		}
		if p.eof() {
			return nil, p.errorf("unterminated tuple")
		}
		p.pos++
		if tuple == nil {
			tuple = Tuple{}
		}
		return tuple, nil

	case '[':
		p.pos++
		return p.list()

	default:
		return nil, p.errorf("unexpected character '%c'", p.peek())
	}
}

// list parses list elements after the opening bracket. Elements are either all values or all results.
func (p *parser) list() (List, error) {
	list := List{}
	for {
		if p.eof() {
			return nil, p.errorf("unterminated list")
		}
		if p.peek() == ']' {
			p.pos++
			return list, nil
		}

		var elem Value
		var elemErr error
		switch p.peek() {
		case '"', '{', '[':
			elem, elemErr = p.value()
		default:
			elem, elemErr = p.result()
		}
		if elemErr != nil {
			return nil, elemErr
		}
		list = append(list, elem)

		if !p.eof() && p.peek() == ',' {
			p.pos++
		}
	}
}

func (p *parser) cstring() (string, error) {
	if p.eof() || p.peek() != '"' {
		return "", p.errorf("expected '\"'")
	}
	p.pos++

	var sb strings.Builder
	for !p.eof() {
		c := p.next()
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf("unterminated escape sequence")
			}
			if escErr := p.escape(&sb); escErr != nil {
				return "", escErr
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *parser) escape(sb *strings.Builder) error {
	c := p.next()
	switch c {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case 'a':
		sb.WriteByte('\a')
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case 'v':
		sb.WriteByte('\v')
	case 'e':
		sb.WriteByte(0x1b)
	case '"', '\\', '\'', '?':
		sb.WriteByte(c)
	case '0', '1', '2', '3', '4', '5', '6', '7':
		// Up to three octal digits; GDB uses these for bytes outside printable ASCII.
		n := int(c - '0')
		for i := 0; i < 2 && !p.eof() && p.peek() >= '0' && p.peek() <= '7'; i++ {
			n = n*8 + int(p.next()-'0')
		}
		if n > 0xff {
			return p.errorf("octal escape out of range")
		}
		sb.WriteByte(byte(n))
	default:
		return p.errorf("unknown escape sequence '\\%c'", c)
	}
	return nil
}

// Quote returns s as an MI c-string, suitable as a command parameter.
func Quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
