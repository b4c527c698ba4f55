package txlog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Base58 alphabet; program ids are not length checked.
const programID = `([1-9A-HJ-NP-Za-km-z]+)`

var (
	reDeployed       = regexp.MustCompile(`^Deployed\s+program\s+` + programID + `$`)
	reUpgraded       = regexp.MustCompile(`^Upgraded\s+program\s+` + programID + `$`)
	reInvoke         = regexp.MustCompile(`^Program\s+` + programID + `\s+invoke\s*\[\s*(\d+)\s*\]$`)
	reSuccess        = regexp.MustCompile(`^Program\s+` + programID + `\s+success$`)
	reFailed         = regexp.MustCompile(`(?s)^Program\s+` + programID + `\s+failed:\s*(.*)$`)
	reFailedComplete = regexp.MustCompile(`(?s)^Program\s+failed\s+to\s+complete:\s*(.*)$`)
	reMessage        = regexp.MustCompile(`(?s)^Program\s+log:[ \t]?(.*)$`)
	reData           = regexp.MustCompile(`(?s)^Program\s+data:\s*(.*)$`)
	reReturn         = regexp.MustCompile(`(?s)^Program\s+return:\s+` + programID + `(?:\s+(.*))?$`)
	reConsumed       = regexp.MustCompile(`^Program\s+` + programID + `\s+consumed\s+(\d+)\s+of\s+(\d+)\s+(?:compute\s+)?units$`)
	reTruncated      = regexp.MustCompile(`^Log\s+truncated\.?$`)
)

// ParseError reports a line that could not be turned into a Record.
type ParseError struct {
	Index  int
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse log line %d: %s: %q", e.Index, e.Reason, e.Line)
}

// Option configures a Parser.
type Option func(*Parser)

// WithStrict makes unmatched or malformed lines an error instead of UnknownFormat.
func WithStrict() Option {
	return func(p *Parser) { p.strict = true }
}

// Parser turns runtime log lines into Records. It holds no per-stream state
// and is safe for concurrent use.
type Parser struct {
	strict bool
}

// NewParser returns a tolerant parser unless WithStrict is given.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Strict reports whether the parser rejects unmatched lines.
func (p *Parser) Strict() bool { return p != nil && p.strict }

// ParseLine parses a single line.
func (p *Parser) ParseLine(line string) (Record, error) {
	return p.parse(0, line)
}

// ParseLines parses a whole log stream. In strict mode the first bad line stops parsing.
func (p *Parser) ParseLines(lines []string) ([]Record, error) {
	out := make([]Record, 0, len(lines))
	for i, line := range lines {
		rec, err := p.parse(i, line)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Parser) parse(index int, raw string) (Record, error) {
	rec, reason := match(strings.TrimSpace(raw))
	if rec != nil {
		return rec, nil
	}
	if p.Strict() {
		return nil, &ParseError{Index: index, Line: raw, Reason: reason}
	}
	return UnknownFormat{Raw: raw}, nil
}

// match returns nil and a reason when no pattern accepts the line.
func match(line string) (Record, string) {
	if m := reDeployed.FindStringSubmatch(line); m != nil {
		return ProgramDeployed{ProgramID: m[1]}, ""
	}
	if m := reUpgraded.FindStringSubmatch(line); m != nil {
		return ProgramUpgraded{ProgramID: m[1]}, ""
	}
	if m := reInvoke.FindStringSubmatch(line); m != nil {
		level, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return nil, "invalid invoke level"
		}
		return ProgramInvoke{ProgramID: m[1], Level: uint32(level)}, ""
	}
	if m := reSuccess.FindStringSubmatch(line); m != nil {
		return ProgramResult{ProgramID: m[1]}, ""
	}
	if m := reFailed.FindStringSubmatch(line); m != nil {
		msg := m[2]
		return ProgramResult{ProgramID: m[1], Err: &msg}, ""
	}
	if m := reFailedComplete.FindStringSubmatch(line); m != nil {
		return ProgramFailedComplete{Err: m[1]}, ""
	}
	if m := reMessage.FindStringSubmatch(line); m != nil {
		return ProgramMessage{Text: m[1]}, ""
	}
	if m := reData.FindStringSubmatch(line); m != nil {
		return ProgramDataPayload{Data: m[1]}, ""
	}
	if m := reReturn.FindStringSubmatch(line); m != nil {
		return ProgramReturn{ProgramID: m[1], Data: m[2]}, ""
	}
	if m := reConsumed.FindStringSubmatch(line); m != nil {
		consumed, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, "invalid consumed units"
		}
		budget, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return nil, "invalid compute budget"
		}
		return ProgramConsumed{ProgramID: m[1], Consumed: consumed, Budget: budget}, ""
	}
	if reTruncated.MatchString(line) {
		return Truncated{}, ""
	}
	return nil, "unrecognized format"
}
