// internal/session/prompt.go
package session

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/finclaw/internal/types"
)

// systemPromptTemplate is the instruction block sent with every turn. The
// marker format it dictates is what the extractor recovers on the way back.
const systemPromptTemplate = `You are a financial valuation analyst working inside a desktop valuation tool. You value one company per conversation, reasoning step by step and running calculations with your tools when numbers matter.

## Project

- Company: {{.Name}}
{{- if .Industry}}
- Industry: {{.Industry}}
{{- end}}
{{- if .Financials}}
- Financial data (JSON): {{.Financials}}
{{- end}}

## Reporting results

When you arrive at a valuation for a method, report it on its own line in exactly this format, including the dollar sign:

{{range .Labels}}{{.}}_VALUE: $<amount>
{{end}}
When you arrive at a single combined valuation, report it as:

VALUATION: $<amount>

Amounts may use comma thousands separators. Do not rephrase these markers; the tool parses them to surface results in the interface.`

var sysTmpl = template.Must(template.New("system").Parse(systemPromptTemplate))

type promptData struct {
	Name       string
	Industry   string
	Financials string
	Labels     []string
}

// systemPrompt renders the instruction block for a project snapshot.
func systemPrompt(snapshot *types.ProjectSnapshot, labels []string) string {
	data := promptData{Labels: labels}
	if snapshot != nil {
		data.Name = snapshot.Name
		data.Industry = snapshot.Industry
		data.Financials = string(snapshot.Financials)
	}
	var b strings.Builder
	if err := sysTmpl.Execute(&b, data); err != nil {
		// Template and data are fixed shapes; this cannot fail at runtime.
		return ""
	}
	return b.String()
}

// openingPrompt seeds a brand-new conversation. researchMD is optional
// fetched context (company page, filing) attached when the snapshot carries
// a source URL.
func openingPrompt(snapshot *types.ProjectSnapshot, researchMD string) string {
	name := "this company"
	if snapshot != nil && snapshot.Name != "" {
		name = snapshot.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Let's begin the valuation of %s. Introduce yourself briefly, summarize the financial data you have, and propose how you would approach each valuation method.", name)
	if researchMD != "" {
		b.WriteString("\n\nBackground material fetched from the project's source URL:\n\n")
		b.WriteString(researchMD)
	}
	return b.String()
}

// Turn is one conversational exchange kept in the in-memory history. Only
// text survives here; tool and telemetry messages never enter the replayed
// context.
type Turn struct {
	Role string // "User" or "Assistant"
	Text string
}

// formatHistory renders turns as alternating "User:"/"Assistant:" lines.
func formatHistory(turns []Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = t.Role + ": " + t.Text
	}
	return strings.Join(lines, "\n")
}

// Budgeter trims conversation history to a token budget so replayed context
// stays within a manageable size.
type Budgeter struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// NewBudgeter creates a Budgeter with the given token budget for history.
func NewBudgeter(maxTokens int) (*Budgeter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Budgeter{tokenizer: enc, maxTokens: maxTokens}, nil
}

func (b *Budgeter) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Trim drops the oldest turns until the formatted history fits the budget.
// The newest turns always survive, so the agent keeps the recent thread of
// the conversation.
func (b *Budgeter) Trim(turns []Turn) []Turn {
	used := 0
	keepFrom := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		t := b.countTokens(turns[i].Role + ": " + turns[i].Text)
		if used+t > b.maxTokens {
			break
		}
		used += t
		keepFrom = i
	}
	return turns[keepFrom:]
}

// buildTurnPrompt prefixes the new user text with the budget-trimmed history.
func (b *Budgeter) buildTurnPrompt(history []Turn, text string) string {
	trimmed := b.Trim(history)
	if len(trimmed) == 0 {
		return text
	}
	return formatHistory(trimmed) + "\nUser: " + text
}
