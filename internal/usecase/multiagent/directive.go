package multiagent

import (
	"regexp"
	"strings"

	"sensei/internal/domain"
)

// DirectiveKind tells a final answer apart from a delegation request.
type DirectiveKind int

const (
	// Final means the handler output is the answer.
	Final DirectiveKind = iota
	// Delegate means the handler asked for another category to run first.
	Delegate
)

func (k DirectiveKind) String() string {
	if k == Delegate {
		return "delegate"
	}
	return "final"
}

// Directive is the parsed form of a handler response.
type Directive struct {
	Kind DirectiveKind
	// Target and Token are set for Delegate. Token is the category name as
	// written by the handler.
	Target  domain.Category
	Token   string
	Payload string
	// Text is the full handler output.
	Text string
}

// delegateMarker matches "[DELEGATE: NAME]" at the start of any line.
var delegateMarker = regexp.MustCompile(`(?m)^\[DELEGATE:\s*(\w+)\]`)

// ParseDirective scans handler output for the first delegation marker. The
// payload is everything after the marker, including later lines, trimmed.
func ParseDirective(output string) Directive {
	loc := delegateMarker.FindStringSubmatchIndex(output)
	if loc == nil {
		return Directive{Kind: Final, Text: output}
	}
	token := output[loc[2]:loc[3]]
	return Directive{
		Kind:    Delegate,
		Target:  domain.ParseDelegationTarget(token),
		Token:   token,
		Payload: strings.TrimSpace(output[loc[1]:]),
		Text:    output,
	}
}

// FormatDelegation renders a directive the way handlers are expected to.
func FormatDelegation(target domain.Category, payload string) string {
	return "[DELEGATE: " + target.Display() + "] " + payload
}
