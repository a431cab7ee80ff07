package sqldump

import (
	"bufio"
	"io"
	"strings"
)

type scanState int

const (
	stateNormal scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateBacktick
	stateLineComment
	stateBlockComment
)

// StatementScanner splits a SQL script into statements. A semicolon ends a
// statement only outside string literals, quoted identifiers and comments.
// Line comments are dropped; block comments are kept because MySQL executes
// versioned /*!...*/ comments.
type StatementScanner struct {
	r    *bufio.Reader
	stmt string
	err  error
	done bool
}

// NewStatementScanner reads statements from r
func NewStatementScanner(r io.Reader) *StatementScanner {
	return &StatementScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Scan advances to the next non-empty statement
func (s *StatementScanner) Scan() bool {
	for !s.done {
		stmt, err := s.readStatement()
		if err != nil && err != io.EOF {
			s.err = err
			s.done = true
			return false
		}
		if err == io.EOF {
			s.done = true
		}
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			s.stmt = stmt
			return true
		}
	}
	return false
}

// Statement is the current statement without its terminating semicolon
func (s *StatementScanner) Statement() string { return s.stmt }

// Err is the first read error, if any
func (s *StatementScanner) Err() error { return s.err }

func (s *StatementScanner) readStatement() (string, error) {
	var b strings.Builder
	state := stateNormal

	for {
		c, err := s.r.ReadByte()
		if err != nil {
			return b.String(), err
		}

		switch state {
		case stateNormal:
			switch c {
			case ';':
				return b.String(), nil
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			case '`':
				state = stateBacktick
			case '#':
				state = stateLineComment
				continue
			case '-':
				if s.peekLineComment() {
					state = stateLineComment
					continue
				}
			case '/':
				if next, _ := s.r.Peek(1); len(next) == 1 && next[0] == '*' {
					s.r.ReadByte()
					b.WriteString("/*")
					state = stateBlockComment
					continue
				}
			}
			b.WriteByte(c)

		case stateSingleQuote, stateDoubleQuote:
			b.WriteByte(c)
			if c == '\\' {
				next, err := s.r.ReadByte()
				if err != nil {
					return b.String(), err
				}
				b.WriteByte(next)
				continue
			}
			if (state == stateSingleQuote && c == '\'') || (state == stateDoubleQuote && c == '"') {
				state = stateNormal
			}

		case stateBacktick:
			b.WriteByte(c)
			if c == '`' {
				state = stateNormal
			}

		case stateLineComment:
			if c == '\n' {
				b.WriteByte('\n')
				state = stateNormal
			}

		case stateBlockComment:
			b.WriteByte(c)
			if c == '*' {
				if next, _ := s.r.Peek(1); len(next) == 1 && next[0] == '/' {
					s.r.ReadByte()
					b.WriteByte('/')
					state = stateNormal
				}
			}
		}
	}
}

// peekLineComment reports whether the '-' just read starts "-- " or "--" at
// end of line, consuming the second dash when it does
func (s *StatementScanner) peekLineComment() bool {
	next, _ := s.r.Peek(2)
	if len(next) == 0 || next[0] != '-' {
		return false
	}
	if len(next) == 1 || next[1] == ' ' || next[1] == '\t' || next[1] == '\n' || next[1] == '\r' {
		s.r.ReadByte()
		return true
	}
	return false
}

// SplitStatements is a convenience over StatementScanner for in-memory scripts
func SplitStatements(script string) ([]string, error) {
	sc := NewStatementScanner(strings.NewReader(script))
	var out []string
	for sc.Scan() {
		out = append(out, sc.Statement())
	}
	return out, sc.Err()
}
