package migration

import (
	"fmt"
	"strings"
)

// DelimiterMode controls what the Splitter does with DELIMITER blocks.
type DelimiterMode int

const (
	// DelimiterPreserve emits each routine inside a DELIMITER block whole.
	DelimiterPreserve DelimiterMode = iota
	// DelimiterStrip drops DELIMITER blocks entirely.
	DelimiterStrip
)

// SplitOptions selects the lexical rules of the target database.
type SplitOptions struct {
	BackslashEscapes bool // '\' escapes the next character inside quotes
	HashComments     bool // '#' starts a line comment
	Backticks        bool // `identifier` quoting
	DollarQuotes     bool // $$body$$ and $tag$body$tag$ quoting
	DelimiterBlocks  DelimiterMode
}

type scanState int

const (
	stateNormal scanState = iota
	stateInSingleQuote
	stateInDoubleQuote
	stateInBacktick
	stateInDollarQuote
	stateInLineComment
	stateInBlockComment
	stateInDelimiterBlock
)

func (s scanState) String() string {
	switch s {
	case stateNormal:
		return "Normal"
	case stateInSingleQuote:
		return "InSingleQuote"
	case stateInDoubleQuote:
		return "InDoubleQuote"
	case stateInBacktick:
		return "InBacktick"
	case stateInDollarQuote:
		return "InDollarQuote"
	case stateInLineComment:
		return "InLineComment"
	case stateInBlockComment:
		return "InBlockComment"
	case stateInDelimiterBlock:
		return "InDelimiterBlock"
	}
	return fmt.Sprintf("scanState(%d)", int(s))
}

const directivePrefix = "+migrate"

// Splitter turns a migration body into executable statements.
type Splitter struct {
	opts SplitOptions
}

// NewSplitter returns a Splitter using opts.
func NewSplitter(opts SplitOptions) *Splitter {
	return &Splitter{opts: opts}
}

// Split scans body and returns its statements in order. Terminators are only
// recognised outside quotes and comments. Within a DELIMITER block the custom
// delimiter ends a statement and ';' is plain text.
func (s *Splitter) Split(body string) ([]Statement, error) {
	sc := &scanner{
		opts:      s.opts,
		src:       body,
		line:      1,
		lineStart: true,
	}
	if err := sc.run(); err != nil {
		return nil, err
	}
	for i := range sc.statements {
		sc.statements[i].Index = i
	}
	return sc.statements, nil
}

type scanner struct {
	opts SplitOptions
	src  string
	pos  int
	line int

	state  scanState
	resume scanState // Normal or InDelimiterBlock
	delim  string    // active custom delimiter

	buf       strings.Builder
	comment   strings.Builder
	keepBlock bool // current block comment is an executable hint
	escapes   bool // backslash escapes inside the open quote
	dollarTag string
	lineStart bool
	openLine  int

	statements  []Statement
	checkpoints int
	done        bool
}

func (sc *scanner) run() error {
	for sc.pos < len(sc.src) && !sc.done {
		var err error
		switch sc.state {
		case stateNormal, stateInDelimiterBlock:
			err = sc.scanCode()
		case stateInSingleQuote:
			sc.scanQuoted('\'')
		case stateInDoubleQuote:
			sc.scanQuoted('"')
		case stateInBacktick:
			sc.scanQuoted('`')
		case stateInDollarQuote:
			sc.scanDollarQuoted()
		case stateInLineComment:
			err = sc.scanLineComment()
		case stateInBlockComment:
			sc.scanBlockComment()
		}
		if err != nil {
			return err
		}
	}
	if sc.done {
		return nil
	}

	switch sc.state {
	case stateInLineComment:
		if err := sc.endLineComment(); err != nil {
			return err
		}
	case stateInSingleQuote, stateInDoubleQuote, stateInBacktick, stateInDollarQuote, stateInBlockComment:
		return fmt.Errorf("%w: %s opened on line %d is never closed", ErrUnbalancedScript, sc.state, sc.openLine)
	}
	sc.flush()
	return nil
}

// scanCode handles one byte in Normal or InDelimiterBlock state.
func (sc *scanner) scanCode() error {
	rest := sc.src[sc.pos:]
	c := rest[0]

	if sc.lineStart && sc.isDelimiterLine(rest) {
		return sc.delimiterCommand()
	}

	if sc.state == stateInDelimiterBlock {
		if strings.HasPrefix(rest, sc.delim) {
			sc.flush()
			sc.pos += len(sc.delim)
			sc.lineStart = false
			return nil
		}
	} else if c == ';' {
		sc.flush()
		sc.pos++
		sc.lineStart = false
		return nil
	}

	switch {
	case c == '\'':
		sc.enterQuote(stateInSingleQuote, sc.opts.BackslashEscapes || sc.opts.DollarQuotes && sc.afterEscapePrefix())
	case c == '"':
		sc.enterQuote(stateInDoubleQuote, sc.opts.BackslashEscapes)
	case c == '`' && sc.opts.Backticks:
		sc.enterQuote(stateInBacktick, false)
	case c == '$' && sc.opts.DollarQuotes && sc.enterDollarQuote(rest):
	case c == '-' && strings.HasPrefix(rest, "--"):
		sc.enterLineComment(2)
	case c == '#' && sc.opts.HashComments:
		sc.enterLineComment(1)
	case c == '/' && strings.HasPrefix(rest, "/*"):
		sc.enterBlockComment(rest)
	default:
		sc.buf.WriteByte(c)
		sc.advance(c)
	}
	return nil
}

func (sc *scanner) advance(c byte) {
	sc.pos++
	switch c {
	case '\n':
		sc.line++
		sc.lineStart = true
	case ' ', '\t', '\r':
	default:
		sc.lineStart = false
	}
}

func (sc *scanner) enterQuote(state scanState, escapes bool) {
	sc.resume = sc.state
	sc.state = state
	sc.escapes = escapes
	sc.openLine = sc.line
	sc.buf.WriteByte(sc.src[sc.pos])
	sc.pos++
	sc.lineStart = false
}

func (sc *scanner) scanQuoted(quote byte) {
	c := sc.src[sc.pos]
	sc.buf.WriteByte(c)
	sc.advance(c)
	switch {
	case c == '\\' && sc.escapes && sc.pos < len(sc.src):
		next := sc.src[sc.pos]
		sc.buf.WriteByte(next)
		sc.advance(next)
	case c == quote:
		// A doubled quote closes and immediately reopens, which keeps it literal.
		sc.state = sc.resume
	}
}

func (sc *scanner) enterDollarQuote(rest string) bool {
	end := strings.IndexByte(rest[1:], '$')
	if end < 0 {
		return false
	}
	tag := rest[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	if len(tag) > 2 && tag[1] >= '0' && tag[1] <= '9' {
		// $1 style positional parameters are not quote tags.
		return false
	}
	sc.resume = sc.state
	sc.state = stateInDollarQuote
	sc.openLine = sc.line
	sc.dollarTag = tag
	sc.buf.WriteString(tag)
	sc.pos += len(tag)
	sc.lineStart = false
	return true
}

func (sc *scanner) scanDollarQuoted() {
	rest := sc.src[sc.pos:]
	if strings.HasPrefix(rest, sc.dollarTag) {
		sc.buf.WriteString(sc.dollarTag)
		sc.pos += len(sc.dollarTag)
		sc.state = sc.resume
		sc.dollarTag = ""
		return
	}
	c := rest[0]
	sc.buf.WriteByte(c)
	sc.advance(c)
}

func (sc *scanner) enterLineComment(width int) {
	sc.resume = sc.state
	sc.state = stateInLineComment
	sc.comment.Reset()
	if width == 2 {
		sc.comment.WriteString("--")
	}
	sc.pos += width
}

func (sc *scanner) scanLineComment() error {
	c := sc.src[sc.pos]
	if c != '\n' {
		sc.comment.WriteByte(c)
		sc.pos++
		return nil
	}
	if err := sc.endLineComment(); err != nil {
		return err
	}
	if !sc.done {
		sc.buf.WriteByte('\n')
		sc.advance(c)
	}
	return nil
}

func (sc *scanner) endLineComment() error {
	sc.state = sc.resume
	text := sc.comment.String()
	sc.comment.Reset()
	if !strings.HasPrefix(text, "--") {
		return nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, "--"))
	if len(fields) < 2 || fields[0] != directivePrefix {
		return nil
	}
	return sc.directive(strings.ToLower(fields[1]))
}

func (sc *scanner) directive(name string) error {
	switch name {
	case "up":
		sc.buf.Reset()
		sc.statements = nil
		sc.checkpoints = 0
	case "down":
		sc.flush()
		sc.done = true
	case "checkpoint":
		sc.flush()
		sc.checkpoints++
		if sc.checkpoints > 1 {
			return fmt.Errorf("%w: second checkpoint on line %d", ErrMultipleCheckpoints, sc.line)
		}
		if len(sc.statements) == 0 {
			return fmt.Errorf("%w: checkpoint on line %d precedes every statement", ErrInvalidMigrationFile, sc.line)
		}
		sc.statements[len(sc.statements)-1].Checkpoint = true
	}
	return nil
}

func (sc *scanner) enterBlockComment(rest string) {
	sc.resume = sc.state
	sc.state = stateInBlockComment
	sc.openLine = sc.line
	sc.keepBlock = strings.HasPrefix(rest, "/*!") || strings.HasPrefix(rest, "/*+")
	if sc.keepBlock {
		sc.buf.WriteString("/*")
	} else {
		sc.buf.WriteByte(' ')
	}
	sc.pos += 2
}

func (sc *scanner) scanBlockComment() {
	rest := sc.src[sc.pos:]
	if strings.HasPrefix(rest, "*/") {
		if sc.keepBlock {
			sc.buf.WriteString("*/")
		}
		sc.pos += 2
		sc.state = sc.resume
		return
	}
	c := rest[0]
	if sc.keepBlock {
		sc.buf.WriteByte(c)
	}
	sc.pos++
	if c == '\n' {
		sc.line++
	}
}

// delimiterCommand consumes a "DELIMITER <token>" line.
func (sc *scanner) delimiterCommand() error {
	rest := sc.src[sc.pos:]
	eol := strings.IndexByte(rest, '\n')
	if eol < 0 {
		eol = len(rest)
	}
	fields := strings.Fields(rest[:eol])
	if len(fields) < 2 {
		return fmt.Errorf("%w: DELIMITER without a token on line %d", ErrInvalidMigrationFile, sc.line)
	}

	// Anything pending belongs to the block (or statement) being closed.
	sc.flush()
	if token := fields[1]; token == ";" {
		sc.state = stateNormal
		sc.delim = ""
	} else {
		sc.state = stateInDelimiterBlock
		sc.delim = token
	}
	sc.pos += eol
	return nil
}

func (sc *scanner) flush() {
	text := strings.TrimSpace(sc.buf.String())
	sc.buf.Reset()
	if text == "" {
		return
	}
	if sc.state == stateInDelimiterBlock && sc.opts.DelimiterBlocks == DelimiterStrip {
		return
	}
	sc.statements = append(sc.statements, Statement{Text: text})
}

// afterEscapePrefix reports whether the quote at pos opens a Postgres escape
// string such as E'it\'s', or continues one after a doubled quote.
func (sc *scanner) afterEscapePrefix() bool {
	if sc.pos == 0 {
		return false
	}
	switch sc.src[sc.pos-1] {
	case '\'':
		return sc.escapes
	case 'E', 'e':
		return sc.pos == 1 || !isIdentByte(sc.src[sc.pos-2])
	}
	return false
}

// isDelimiterLine reports whether rest starts a DELIMITER command. Only the
// start of a statement qualifies, so a column named delimiter stays part of
// its statement. Inside a block "DELIMITER ;" may also close an unterminated
// final routine.
func (sc *scanner) isDelimiterLine(rest string) bool {
	if !isDelimiterCommand(rest) {
		return false
	}
	if strings.TrimSpace(sc.buf.String()) == "" {
		return true
	}
	if sc.state != stateInDelimiterBlock {
		return false
	}
	eol := strings.IndexByte(rest, '\n')
	if eol < 0 {
		eol = len(rest)
	}
	fields := strings.Fields(rest[:eol])
	return len(fields) == 2 && fields[1] == ";"
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isDelimiterCommand(rest string) bool {
	const keyword = "DELIMITER"
	if len(rest) <= len(keyword) || !strings.EqualFold(rest[:len(keyword)], keyword) {
		return false
	}
	c := rest[len(keyword)]
	return c == ' ' || c == '\t'
}
