package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// truncate shortens s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// ContentFilterConfig configures a ContentFilter.
type ContentFilterConfig struct {
	// Type is the stage to run at, input or output. Defaults to input.
	Type Type

	// Keywords are blocked as case-insensitive substrings.
	Keywords []string

	// Patterns are blocked as case-insensitive regular expressions.
	Patterns []string

	// Tripwire hard-stops the run on a match.
	Tripwire bool
}

// ContentFilter blocks text matching a configurable keyword or regex
// blocklist. Works at the input or output position.
type ContentFilter struct {
	stage    Type
	tripwire bool
	keywords []string
	patterns []*regexp.Regexp
}

// NewContentFilter creates a content filter. Patterns are compiled up
// front so a bad pattern fails at construction, not mid-run.
func NewContentFilter(cfg ContentFilterConfig) (*ContentFilter, error) {
	stage := cfg.Type
	if stage == "" {
		stage = TypeInput
	}
	if stage == TypeToolCall {
		return nil, fmt.Errorf("content filter inspects input or output text, not tool calls")
	}

	f := &ContentFilter{stage: stage, tripwire: cfg.Tripwire}
	for _, kw := range cfg.Keywords {
		f.keywords = append(f.keywords, strings.ToLower(kw))
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *ContentFilter) Name() string { return "content_filter" }
func (f *ContentFilter) Description() string {
	return "Blocks text matching configured keyword or regex patterns"
}
func (f *ContentFilter) Type() Type { return f.stage }

func (f *ContentFilter) Check(ctx context.Context, gc *Context) (*Result, error) {
	_ = ctx
	text := gc.TextFor(f.stage)
	if text == "" {
		return Pass(f, "no text to check"), nil
	}

	lower := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return Fail(f, fmt.Sprintf("blocked keyword detected: %q", kw), f.tripwire).
				WithMeta("matched_keyword", kw), nil
		}
	}
	for _, re := range f.patterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return Fail(f, fmt.Sprintf("blocked pattern matched: %q", re.String()), f.tripwire).
				WithMeta("matched_pattern", re.String()), nil
		}
	}
	return Pass(f, "content check passed"), nil
}

// Built-in PII detectors. These are deliberately simple; swap in a
// specialised detection service for anything beyond basic hygiene.
var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`(?i)[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`),
	"phone_us":    regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b\d([ -]?\d){12,18}\b`),
	"ip_address":  regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`),
}

// PIIDetectionConfig configures a PIIDetection guardrail.
type PIIDetectionConfig struct {
	// Type is the stage to run at, input or output. Defaults to input.
	Type Type

	// PIITypes restricts which built-in detectors run. Valid values:
	// email, phone_us, ssn, credit_card, ip_address. Empty runs all.
	PIITypes []string

	// CustomPatterns maps extra labels to case-insensitive regexes.
	CustomPatterns map[string]string

	// Tripwire hard-stops the run on detection.
	Tripwire bool
}

// PIIDetection detects personally identifiable information in text and
// reports matched values in masked form only.
type PIIDetection struct {
	stage    Type
	tripwire bool
	patterns map[string]*regexp.Regexp
}

// NewPIIDetection creates a PII detector.
func NewPIIDetection(cfg PIIDetectionConfig) (*PIIDetection, error) {
	stage := cfg.Type
	if stage == "" {
		stage = TypeInput
	}

	g := &PIIDetection{
		stage:    stage,
		tripwire: cfg.Tripwire,
		patterns: make(map[string]*regexp.Regexp),
	}

	if len(cfg.PIITypes) == 0 {
		for label, re := range piiPatterns {
			g.patterns[label] = re
		}
	} else {
		for _, label := range cfg.PIITypes {
			if re, ok := piiPatterns[label]; ok {
				g.patterns[label] = re
			}
		}
	}

	for label, p := range cfg.CustomPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid custom PII pattern %q: %w", label, err)
		}
		g.patterns[label] = re
	}
	return g, nil
}

func (g *PIIDetection) Name() string { return "pii_detection" }
func (g *PIIDetection) Description() string {
	return "Detects PII (emails, phones, SSNs, credit cards, IPs)"
}
func (g *PIIDetection) Type() Type { return g.stage }

func (g *PIIDetection) Check(ctx context.Context, gc *Context) (*Result, error) {
	_ = ctx
	text := gc.TextFor(g.stage)
	if text == "" {
		return Pass(g, "no text to check"), nil
	}

	masked := make(map[string]string)
	for _, label := range g.sortedLabels() {
		if m := g.patterns[label].FindString(text); m != "" {
			masked[label] = maskValue(label, m)
		}
	}
	if len(masked) == 0 {
		return Pass(g, "no PII detected"), nil
	}

	labels := make([]string, 0, len(masked))
	for label := range masked {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	return Fail(g, "PII detected: "+strings.Join(labels, ", "), g.tripwire).
		WithMeta("detected_types", labels).
		WithMeta("masked_values", masked), nil
}

// Mask replaces every detected PII value in text with its masked form.
func (g *PIIDetection) Mask(text string) string {
	for _, label := range g.sortedLabels() {
		label := label
		text = g.patterns[label].ReplaceAllStringFunc(text, func(m string) string {
			return maskValue(label, m)
		})
	}
	return text
}

func (g *PIIDetection) sortedLabels() []string {
	labels := make([]string, 0, len(g.patterns))
	for label := range g.patterns {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// maskValue hides a matched PII value. Account-style identifiers keep
// their last four characters for recognisability; everything else is
// fully hidden.
func maskValue(label, raw string) string {
	if (label == "ssn" || label == "credit_card") && len(raw) > 4 {
		return strings.Repeat("*", len(raw)-4) + raw[len(raw)-4:]
	}
	return "****"
}

// Curated injection vectors. These catch the common phrasings; combine
// with an LLMJudge for anything adversarial.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|everything)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`),
	regexp.MustCompile(`(?i)pretend\s+(you('re|\s+are)\s+|to\s+be\s+)`),
	regexp.MustCompile(`(?i)act\s+as\s+(a|an|if)\s+`),
	regexp.MustCompile(`(?i)new\s+(system\s+)?instructions?:`),
	regexp.MustCompile(`(?i)system\s*:\s*`),
	regexp.MustCompile(`(?i)\[system\]`),
	regexp.MustCompile(`(?i)override\s+(your\s+)?(instructions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)do\s+anything\s+now`),
	regexp.MustCompile(`(?i)developer\s+mode`),
}

// PromptInjectionConfig configures a PromptInjection guardrail.
type PromptInjectionConfig struct {
	// ExtraPatterns adds case-insensitive regexes to the curated set.
	ExtraPatterns []string

	// Tripwire hard-stops the run on detection.
	Tripwire bool
}

// PromptInjection detects common prompt injection and jailbreak
// phrasings in user input.
type PromptInjection struct {
	tripwire bool
	patterns []*regexp.Regexp
}

// NewPromptInjection creates a prompt injection detector.
func NewPromptInjection(cfg PromptInjectionConfig) (*PromptInjection, error) {
	g := &PromptInjection{tripwire: cfg.Tripwire}
	g.patterns = append(g.patterns, injectionPatterns...)
	for _, p := range cfg.ExtraPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid extra pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

func (g *PromptInjection) Name() string { return "prompt_injection" }
func (g *PromptInjection) Description() string {
	return "Detects common prompt injection and jailbreak patterns"
}
func (g *PromptInjection) Type() Type { return TypeInput }

func (g *PromptInjection) Check(ctx context.Context, gc *Context) (*Result, error) {
	_ = ctx
	if gc.InputText == "" {
		return Pass(g, "no input to check"), nil
	}

	for _, re := range g.patterns {
		if loc := re.FindStringIndex(gc.InputText); loc != nil {
			m := gc.InputText[loc[0]:loc[1]]
			return Fail(g, fmt.Sprintf("potential prompt injection detected: %q", truncate(m, 60)), g.tripwire).
				WithMeta("matched_pattern", re.String()).
				WithMeta("matched_text", truncate(m, 80)), nil
		}
	}
	return Pass(g, "no injection patterns detected"), nil
}

// MaxTokenConfig configures a MaxToken guardrail.
type MaxTokenConfig struct {
	// MaxTokens is the limit. Defaults to 4096.
	MaxTokens int

	// CharsPerToken is the estimation ratio. Defaults to 4.
	CharsPerToken float64

	// Tripwire hard-stops the run when the limit is exceeded.
	Tripwire bool
}

// MaxToken rejects input whose estimated token count exceeds a limit.
// Estimation is character count divided by a chars-per-token ratio;
// use a provider's CountTokens for exact budgets.
type MaxToken struct {
	maxTokens     int
	charsPerToken float64
	tripwire      bool
}

// NewMaxToken creates a token-bound guardrail.
func NewMaxToken(cfg MaxTokenConfig) *MaxToken {
	g := &MaxToken{
		maxTokens:     cfg.MaxTokens,
		charsPerToken: cfg.CharsPerToken,
		tripwire:      cfg.Tripwire,
	}
	if g.maxTokens <= 0 {
		g.maxTokens = 4096
	}
	if g.charsPerToken <= 0 {
		g.charsPerToken = 4
	}
	return g
}

func (g *MaxToken) Name() string        { return "max_token" }
func (g *MaxToken) Description() string { return "Rejects input exceeding a token limit" }
func (g *MaxToken) Type() Type          { return TypeInput }

func (g *MaxToken) Check(ctx context.Context, gc *Context) (*Result, error) {
	_ = ctx
	estimated := int(float64(utf8.RuneCountInString(gc.InputText)) / g.charsPerToken)
	if estimated > g.maxTokens {
		return Fail(g, fmt.Sprintf("input too long: ~%d tokens (max %d)", estimated, g.maxTokens), g.tripwire).
			WithMeta("estimated_tokens", estimated).
			WithMeta("max_tokens", g.maxTokens), nil
	}
	return Pass(g, fmt.Sprintf("token count OK: ~%d/%d", estimated, g.maxTokens)).
		WithMeta("estimated_tokens", estimated), nil
}

// ToolCallValidationConfig configures a ToolCallValidation guardrail.
type ToolCallValidationConfig struct {
	// AllowedTools, when non-nil, is the only set of tools that may be
	// called. A nil slice disables the allowlist; an empty non-nil
	// slice blocks every tool.
	AllowedTools []string

	// BlockedTools are always rejected.
	BlockedTools []string

	// BlockedArguments maps tool name to argument name to regexes that
	// reject the call when the argument value matches.
	BlockedArguments map[string]map[string][]string

	// Tripwire hard-stops the run on a violation.
	Tripwire bool
}

// ToolCallValidation validates tool calls against allow/block lists
// and per-argument value patterns.
type ToolCallValidation struct {
	allowed     map[string]bool // nil when the allowlist is disabled
	blocked     map[string]bool
	argPatterns map[string]map[string][]*regexp.Regexp
	tripwire    bool
}

// NewToolCallValidation creates a tool-call validator.
func NewToolCallValidation(cfg ToolCallValidationConfig) (*ToolCallValidation, error) {
	g := &ToolCallValidation{
		blocked:  make(map[string]bool),
		tripwire: cfg.Tripwire,
	}
	if cfg.AllowedTools != nil {
		g.allowed = make(map[string]bool, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			g.allowed[name] = true
		}
	}
	for _, name := range cfg.BlockedTools {
		g.blocked[name] = true
	}

	if len(cfg.BlockedArguments) > 0 {
		g.argPatterns = make(map[string]map[string][]*regexp.Regexp)
		for tool, args := range cfg.BlockedArguments {
			g.argPatterns[tool] = make(map[string][]*regexp.Regexp)
			for arg, patterns := range args {
				for _, p := range patterns {
					re, err := regexp.Compile("(?i)" + p)
					if err != nil {
						return nil, fmt.Errorf("invalid argument pattern for %s.%s %q: %w", tool, arg, p, err)
					}
					g.argPatterns[tool][arg] = append(g.argPatterns[tool][arg], re)
				}
			}
		}
	}
	return g, nil
}

func (g *ToolCallValidation) Name() string { return "tool_call_validation" }
func (g *ToolCallValidation) Description() string {
	return "Validates tool calls against allow/block lists and argument patterns"
}
func (g *ToolCallValidation) Type() Type { return TypeToolCall }

func (g *ToolCallValidation) Check(ctx context.Context, gc *Context) (*Result, error) {
	_ = ctx
	toolName := gc.ToolName

	if g.blocked[toolName] {
		return Fail(g, fmt.Sprintf("tool '%s' is blocked", toolName), g.tripwire).
			WithMeta("tool_name", toolName), nil
	}

	if g.allowed != nil && !g.allowed[toolName] {
		allowed := make([]string, 0, len(g.allowed))
		for name := range g.allowed {
			allowed = append(allowed, name)
		}
		sort.Strings(allowed)
		return Fail(g, fmt.Sprintf("tool '%s' is not in the allowed list", toolName), g.tripwire).
			WithMeta("tool_name", toolName).
			WithMeta("allowed_tools", allowed), nil
	}

	for arg, patterns := range g.argPatterns[toolName] {
		value := ""
		if v, ok := gc.ToolArguments[arg]; ok {
			value = fmt.Sprint(v)
		}
		for _, re := range patterns {
			if loc := re.FindStringIndex(value); loc != nil {
				m := value[loc[0]:loc[1]]
				return Fail(g, fmt.Sprintf("blocked argument pattern in %s.%s: %q", toolName, arg, truncate(m, 40)), g.tripwire).
					WithMeta("tool_name", toolName).
					WithMeta("argument_name", arg).
					WithMeta("matched_pattern", re.String()), nil
			}
		}
	}

	return Pass(g, fmt.Sprintf("tool call '%s' validated", toolName)), nil
}
