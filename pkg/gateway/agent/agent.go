// Package agent answers text questions about a GitHub repository.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"
)

// MaxFileBytes bounds how much of the current file is placed in a prompt.
const MaxFileBytes = 32 << 10

const SystemInstruction = `You are a helpful assistant for exploring GitHub repositories.
Answer questions about the repository and file the user is looking at.
Be concise and concrete. When file contents are provided, ground your answer in them and quote short snippets where useful.
When tools are available, use them to look up repositories, directory listings and files instead of guessing.
If you do not have enough context to answer, say what you would need.`

var ErrEmptyMessage = errors.New("agent: message is required")

type Repo struct {
	Owner string
	Name  string
}

// Prompt is one chat turn plus the repository context it refers to. Tools
// is nil when the caller is signed out.
type Prompt struct {
	Message  string
	Repo     *Repo
	File     string
	FileText string
	Tools    Tools
}

type Responder interface {
	Reply(ctx context.Context, p Prompt) (string, error)
}

// BuildPrompt renders the user turn. Access tokens never reach the model.
func BuildPrompt(p Prompt) string {
	if p.Repo == nil {
		return p.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s/%s\n", p.Repo.Owner, p.Repo.Name)
	if p.File != "" {
		fmt.Fprintf(&b, "Current file: %s\n", p.File)
	}
	if p.FileText != "" {
		text, truncated := Truncate(p.FileText, MaxFileBytes)
		b.WriteString("\nFile contents:\n```\n")
		b.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```\n")
		if truncated {
			fmt.Fprintf(&b, "(truncated to the first %d bytes)\n", MaxFileBytes)
		}
	}
	fmt.Fprintf(&b, "\nUser question: %s", p.Message)
	return b.String()
}

// Truncate cuts s to at most limit bytes on a rune boundary.
func Truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// generator is the slice of the genai client used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiResponder struct {
	gen   generator
	model string
}

func NewGemini(ctx context.Context, apiKey, model string) (*GeminiResponder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("agent: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: create genai client: %w", err)
	}
	return newGeminiResponder(client.Models, model), nil
}

func newGeminiResponder(gen generator, model string) *GeminiResponder {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiResponder{gen: gen, model: model}
}

func (g *GeminiResponder) Reply(ctx context.Context, p Prompt) (string, error) {
	if strings.TrimSpace(p.Message) == "" {
		return "", ErrEmptyMessage
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction, genai.RoleUser),
	}
	if p.Tools != nil {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: p.Tools.Declarations()}}
	}

	contents := genai.Text(BuildPrompt(p))
	for round := 0; ; round++ {
		resp, err := g.gen.GenerateContent(ctx, g.model, contents, cfg)
		if err != nil {
			return "", fmt.Errorf("agent: generate: %w", err)
		}
		calls := resp.FunctionCalls()
		if len(calls) == 0 || p.Tools == nil {
			text := strings.TrimSpace(resp.Text())
			if text == "" {
				return "", errors.New("agent: empty response")
			}
			return text, nil
		}
		if round == maxToolRounds {
			return "", fmt.Errorf("agent: still calling tools after %d rounds", maxToolRounds)
		}
		contents = append(contents, resp.Candidates[0].Content, g.callTools(ctx, p.Tools, calls))
	}
}

// callTools runs each call and returns the results as one user turn. A failed
// call is reported to the model rather than ending the reply.
func (g *GeminiResponder) callTools(ctx context.Context, tools Tools, calls []*genai.FunctionCall) *genai.Content {
	parts := make([]*genai.Part, 0, len(calls))
	for _, call := range calls {
		result, err := tools.Call(ctx, call.Name, call.Args)
		if err != nil {
			result = map[string]any{"error": err.Error()}
		}
		part := genai.NewPartFromFunctionResponse(call.Name, result)
		part.FunctionResponse.ID = call.ID
		parts = append(parts, part)
	}
	return genai.NewContentFromParts(parts, genai.RoleUser)
}
