package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"CanvasPilot/internal/config"
	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/ports"
	"CanvasPilot/internal/richtext"
)

const assignmentPrompt = `You are a student. You must provide a complete ready-to-submit response. The response must contain just the answer.
Please complete the following assignment:

Title: %s

Description: %s

Please provide a comprehensive, well-structured response that addresses all aspects of this assignment.
Include appropriate citations, examples, and explanations where necessary.
Format your response appropriately for an academic submission.`

// Completer turns assignments into prompts for a TextGenerator.
type Completer struct {
	gen          ports.TextGenerator
	editorPrompt string
	logger       *slog.Logger
}

var _ ports.AssignmentCompleter = (*Completer)(nil)

func NewCompleter(gen ports.TextGenerator, editorPrompt string, logger *slog.Logger) *Completer {
	return &Completer{gen: gen, editorPrompt: editorPrompt, logger: logger}
}

// NewGenerator picks the backend named by cfg.Provider.
func NewGenerator(cfg config.GenerationConfig) (ports.TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		return NewGeminiClient(cfg.Gemini, cfg.Timeout), nil
	case "chatgpt":
		return NewChatGPTClient(cfg.ChatGPT, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

// CompleteAssignment asks for a single ready-to-submit answer. It never retries.
func (c *Completer) CompleteAssignment(ctx context.Context, a domain.Assignment) (string, error) {
	prompt := AssignmentPrompt(a)
	return c.generate(ctx, a, prompt)
}

// CompleteWithInstructions drafts an answer that follows the student's extra instructions.
func (c *Completer) CompleteWithInstructions(ctx context.Context, a domain.Assignment, userPrompt string) (string, error) {
	prompt := EditorPrompt(c.editorPrompt, a, userPrompt)
	return c.generate(ctx, a, prompt)
}

func (c *Completer) generate(ctx context.Context, a domain.Assignment, prompt string) (string, error) {
	if c.gen == nil {
		return "", &domain.GenerationError{Err: fmt.Errorf("no generation backend configured")}
	}
	text, err := c.gen.GenerateContent(ctx, prompt)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("generation failed", "assignment_id", a.ID, "error", err)
		}
		return "", &domain.GenerationError{Err: err}
	}
	return text, nil
}

// AssignmentPrompt renders the fixed completion template.
func AssignmentPrompt(a domain.Assignment) string {
	return fmt.Sprintf(assignmentPrompt, a.Title, richtext.Text(a.Description))
}

// EditorPrompt fills the {title}, {description} and {userPrompt} placeholders.
func EditorPrompt(template string, a domain.Assignment, userPrompt string) string {
	r := strings.NewReplacer(
		"{title}", a.Title,
		"{description}", richtext.Text(a.Description),
		"{userPrompt}", strings.TrimSpace(userPrompt),
	)
	return r.Replace(template)
}
