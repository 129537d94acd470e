package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const defaultJudgePrompt = `You are a content safety classifier. Evaluate if the following content is safe, appropriate, and free of harmful intent.

Respond ONLY with a JSON object: {"safe": true/false, "reason": "brief explanation"}

Content to evaluate:
`

// JudgeFunc sends content to a judge model and returns its raw reply.
// Adapters wrap a provider client into this shape at wiring time.
type JudgeFunc func(ctx context.Context, systemPrompt, content string) (string, error)

// LLMJudgeConfig configures an LLMJudge.
type LLMJudgeConfig struct {
	// Type is the stage to run at, input or output. Defaults to input.
	Type Type

	// JudgePrompt overrides the default classifier prompt. The prompt
	// must instruct the model to reply with {"safe": bool, "reason": string}.
	JudgePrompt string

	// Tripwire hard-stops the run when the judge says unsafe.
	Tripwire bool
}

// LLMJudge asks a secondary model whether content is safe. Judge
// failures (transport errors, unparseable replies) fail open.
type LLMJudge struct {
	stage    Type
	tripwire bool
	prompt   string
	judge    JudgeFunc
}

// NewLLMJudge creates a judge guardrail around the given model call.
func NewLLMJudge(judge JudgeFunc, cfg LLMJudgeConfig) (*LLMJudge, error) {
	if judge == nil {
		return nil, fmt.Errorf("judge function is required")
	}
	stage := cfg.Type
	if stage == "" {
		stage = TypeInput
	}
	prompt := cfg.JudgePrompt
	if prompt == "" {
		prompt = defaultJudgePrompt
	}
	return &LLMJudge{stage: stage, tripwire: cfg.Tripwire, prompt: prompt, judge: judge}, nil
}

func (g *LLMJudge) Name() string        { return "llm_judge" }
func (g *LLMJudge) Description() string { return "Uses a secondary LLM to judge content safety" }
func (g *LLMJudge) Type() Type          { return g.stage }

func (g *LLMJudge) Check(ctx context.Context, gc *Context) (*Result, error) {
	text := gc.TextFor(g.stage)
	if text == "" {
		return Pass(g, "no text to judge"), nil
	}

	reply, err := g.judge(ctx, g.prompt, text)
	if err != nil {
		return Pass(g, "llm judge error (failing open)").WithMeta("error", err.Error()), nil
	}

	safe, reason := parseJudgment(reply)
	if !safe {
		return Fail(g, "llm judge flagged content as unsafe: "+reason, g.tripwire).
			WithMeta("judge_reason", reason), nil
	}
	return Pass(g, "llm judge passed: "+reason).WithMeta("judge_reason", reason), nil
}

var (
	judgeCodeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	judgeInlineRe    = regexp.MustCompile(`(?s)\{[^{}]*"safe"[^{}]*\}`)
)

// parseJudgment extracts the verdict from a possibly markdown-wrapped
// model reply. Strategies in order: direct JSON, fenced code block,
// any inline object containing "safe", then keyword sniffing.
func parseJudgment(text string) (safe bool, reason string) {
	decode := func(s string) (bool, string, bool) {
		var v struct {
			Safe   *bool  `json:"safe"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return false, "", false
		}
		if v.Safe == nil {
			return true, v.Reason, true
		}
		return *v.Safe, v.Reason, true
	}

	if safe, reason, ok := decode(strings.TrimSpace(text)); ok {
		return safe, reason
	}
	if m := judgeCodeBlockRe.FindStringSubmatch(text); m != nil {
		if safe, reason, ok := decode(m[1]); ok {
			return safe, reason
		}
	}
	if m := judgeInlineRe.FindString(text); m != "" {
		if safe, reason, ok := decode(m); ok {
			return safe, reason
		}
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "unsafe") || strings.Contains(lower, "not safe") ||
		strings.Contains(lower, `"safe": false`) {
		return false, truncate(text, 200)
	}
	return true, truncate(text, 200)
}
