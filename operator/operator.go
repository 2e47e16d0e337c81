// Package operator classifies agent responses. Given the free-text response
// plus the step's role and task, the operator decides whether the agent
// actually succeeded, is blocked on something, or failed. This catches the
// silent failures where an agent politely explains why it did nothing.
//
// The verdict always comes from a configured LLM call, never from keyword
// matching; the assessment prompt is part of the configuration.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/studio-ai/studio/llm"
)

// Verdict classifications.
const (
	VerdictSuccess = "success"
	VerdictBlocked = "blocked"
	VerdictFailed  = "failed"
)

// Assessment is the input to a verdict.
type Assessment struct {
	// Response is the agent's full response text.
	Response string

	// Role is the step's agent role.
	Role string

	// Task is the resolved task prompt the agent was given.
	Task string
}

// Verdict is the operator's classification.
type Verdict struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Operator classifies agent responses.
type Operator interface {
	Assess(ctx context.Context, a Assessment) Verdict
}

// Config is the operator policy: which model assesses and with what prompt.
type Config struct {
	// Model used for assessment calls. Empty uses the client default.
	Model string `yaml:"model,omitempty"`

	// SystemPrompt frames the assessment.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// UserPromptTemplate renders the assessment request. Recognized
	// placeholders: {role}, {task}, {response}.
	UserPromptTemplate string `yaml:"user_prompt_template,omitempty"`

	// VerdictParseRegex extracts the verdict word when the model does
	// not return clean JSON. Must have one capture group.
	VerdictParseRegex string `yaml:"verdict_parse_regex,omitempty"`
}

// DefaultConfig returns the stock assessment policy.
func DefaultConfig() Config {
	return Config{
		SystemPrompt: "You are a workflow supervisor. Given a task and an agent's response, " +
			"judge whether the agent completed the task. Respond with a JSON object: " +
			`{"verdict": "success"|"blocked"|"failed", "confidence": 0.0-1.0, "reason": "..."}. ` +
			`Use "blocked" when the agent needs something external (approval, credentials, ` +
			`missing input) and "failed" when the work itself went wrong or was not attempted.`,
		UserPromptTemplate: "Role: {role}\nTask: {task}\n\nAgent response:\n{response}",
		VerdictParseRegex:  `(?i)\b(success|blocked|failed)\b`,
	}
}

// LLMOperator is the production Operator backed by an LLM call.
type LLMOperator struct {
	invoker llm.Invoker
	config  Config
	regex   *regexp.Regexp
	logger  *slog.Logger
}

// NewLLMOperator creates the operator. An invalid VerdictParseRegex is a
// configuration error.
func NewLLMOperator(invoker llm.Invoker, config Config, logger *slog.Logger) (*LLMOperator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaults.SystemPrompt
	}
	if config.UserPromptTemplate == "" {
		config.UserPromptTemplate = defaults.UserPromptTemplate
	}
	if config.VerdictParseRegex == "" {
		config.VerdictParseRegex = defaults.VerdictParseRegex
	}

	regex, err := regexp.Compile(config.VerdictParseRegex)
	if err != nil {
		return nil, fmt.Errorf("compile verdict regex: %w", err)
	}

	return &LLMOperator{
		invoker: invoker,
		config:  config,
		regex:   regex,
		logger:  logger,
	}, nil
}

// Assess classifies one agent response. Assessment calls run at temperature
// zero so repeated calls with identical inputs agree. On operator-call
// error the verdict degrades gracefully: success when the agent produced
// output, failed when it produced nothing.
func (o *LLMOperator) Assess(ctx context.Context, a Assessment) Verdict {
	prompt := renderPrompt(o.config.UserPromptTemplate, a)

	zero := 0.0
	result, err := o.invoker.Invoke(ctx, llm.InvokeRequest{
		SystemPrompt: o.config.SystemPrompt,
		UserPrompt:   prompt,
		Model:        o.config.Model,
		Temperature:  &zero,
	})
	if err != nil {
		verdict := VerdictFailed
		if strings.TrimSpace(a.Response) != "" {
			verdict = VerdictSuccess
		}
		o.logger.Warn("Operator assessment call failed, using fallback verdict",
			"verdict", verdict,
			"error", err)
		return Verdict{
			Verdict:    verdict,
			Confidence: 0,
			Reason:     fmt.Sprintf("operator unavailable: %v", err),
		}
	}

	return o.parseVerdict(result.Text)
}

// parseVerdict reads the assessment response: a JSON object when the model
// cooperates, the configured regex otherwise.
func (o *LLMOperator) parseVerdict(text string) Verdict {
	if v, ok := parseJSONVerdict(text); ok {
		return v
	}

	if m := o.regex.FindStringSubmatch(text); len(m) > 1 {
		return Verdict{
			Verdict:    strings.ToLower(m[1]),
			Confidence: 0.5,
			Reason:     "parsed from unstructured assessment",
		}
	}

	o.logger.Warn("Operator returned unparseable assessment", "text", truncate(text, 200))
	return Verdict{
		Verdict:    VerdictSuccess,
		Confidence: 0,
		Reason:     "unparseable assessment, assuming success",
	}
}

// parseJSONVerdict extracts a verdict object, tolerating surrounding prose
// and markdown fences.
func parseJSONVerdict(text string) (Verdict, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Verdict{}, false
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return Verdict{}, false
	}

	switch strings.ToLower(v.Verdict) {
	case VerdictSuccess, VerdictBlocked, VerdictFailed:
		v.Verdict = strings.ToLower(v.Verdict)
	default:
		return Verdict{}, false
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, true
}

func renderPrompt(template string, a Assessment) string {
	out := strings.ReplaceAll(template, "{role}", a.Role)
	out = strings.ReplaceAll(out, "{task}", a.Task)
	out = strings.ReplaceAll(out, "{response}", a.Response)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Static is a fixed-verdict Operator for tests and for deployments that
// disable assessment.
type Static struct {
	Result Verdict
}

// Assess implements Operator.
func (s *Static) Assess(context.Context, Assessment) Verdict {
	if s.Result.Verdict == "" {
		return Verdict{Verdict: VerdictSuccess, Confidence: 1}
	}
	return s.Result
}

var _ Operator = (*LLMOperator)(nil)
var _ Operator = (*Static)(nil)
