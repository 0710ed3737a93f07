package calls

import (
	"encoding/json"
	"fmt"
	"strings"

	"dominds/internal/dialog"
	"dominds/internal/llm"
)

// ParsedCall is one validated special call, ready for dispatch.
type ParsedCall struct {
	CallID         string
	Name           dialog.CallName
	TellaskContent string
	TargetAgentID  string
	SessionSlug    string
	// Effort overrides the member's default fresh-boots round count.
	Effort *int
}

// ParseIssue describes one call the parser rejected. The problem text is
// shown to the model verbatim, so it names the argument and the fix.
type ParseIssue struct {
	CallID  string
	Name    string
	Problem string
}

type rawArgs struct {
	TellaskContent string           `json:"tellaskContent"`
	TargetAgentID  string           `json:"targetAgentId"`
	AgentID        string           `json:"agentId"`
	Target         string           `json:"target"`
	SessionSlug    string           `json:"sessionSlug"`
	Effort         *json.RawMessage `json:"effort"`
}

func (a rawArgs) target() string {
	for _, c := range []string{a.TargetAgentID, a.AgentID, a.Target} {
		if c != "" {
			return strings.TrimPrefix(c, "@")
		}
	}
	return ""
}

// ParseBatch validates a generation's raw calls. Valid calls come back in
// emission order; each malformed one yields a structured issue instead.
func ParseBatch(raw []llm.RawCall) ([]ParsedCall, []ParseIssue) {
	var parsed []ParsedCall
	var issues []ParseIssue
	reject := func(c llm.RawCall, problem string) {
		issues = append(issues, ParseIssue{CallID: c.CallID, Name: c.Name, Problem: problem})
	}

	for _, c := range raw {
		name := dialog.CallName(c.Name)
		if !dialog.ValidCallName(name) {
			reject(c, fmt.Sprintf("unknown call %q; valid calls are tellask, tellaskBack, tellaskSessionless, askHuman, freshBootsReasoning", c.Name))
			continue
		}
		var args rawArgs
		if err := json.Unmarshal(c.Arguments, &args); err != nil {
			reject(c, "arguments must be a JSON object")
			continue
		}
		if strings.TrimSpace(args.TellaskContent) == "" {
			reject(c, "tellaskContent is required and must be a non-empty string")
			continue
		}

		p := ParsedCall{
			CallID:         c.CallID,
			Name:           name,
			TellaskContent: args.TellaskContent,
		}

		switch name {
		case dialog.CallTellask:
			p.TargetAgentID = args.target()
			if p.TargetAgentID == "" {
				reject(c, "tellask requires targetAgentId")
				continue
			}
			if !dialog.ValidSessionSlug(args.SessionSlug) {
				reject(c, fmt.Sprintf("sessionSlug %q is invalid: use letters, digits, '_', '-' and '.' segments, starting with a letter", args.SessionSlug))
				continue
			}
			p.SessionSlug = args.SessionSlug
		case dialog.CallTellaskSessionless:
			p.TargetAgentID = args.target()
			if p.TargetAgentID == "" {
				reject(c, "tellaskSessionless requires targetAgentId")
				continue
			}
		case dialog.CallFreshBoots:
			if args.Effort != nil {
				var effort int
				if err := json.Unmarshal(*args.Effort, &effort); err != nil {
					reject(c, "effort must be an integer")
					continue
				}
				if effort < 0 || effort > 100 {
					reject(c, fmt.Sprintf("effort %d is out of range [0, 100]", effort))
					continue
				}
				p.Effort = &effort
			}
		case dialog.CallAskHuman, dialog.CallTellaskBack:
			// tellaskContent alone suffices.
		}
		parsed = append(parsed, p)
	}
	return parsed, issues
}

// callTypeFor maps a call name to its reply semantics.
func callTypeFor(name dialog.CallName) dialog.CallType {
	switch name {
	case dialog.CallTellaskBack:
		return dialog.CallTypeA
	case dialog.CallTellask:
		return dialog.CallTypeB
	default:
		return dialog.CallTypeC
	}
}
