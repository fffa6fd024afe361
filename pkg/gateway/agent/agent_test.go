package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"
)

type fakeGenerator struct {
	model    string
	prompt   string
	system   string
	reply    string
	err      error
	requests int
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.requests++
	f.model = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if config != nil && config.SystemInstruction != nil && len(config.SystemInstruction.Parts) > 0 {
		f.system = config.SystemInstruction.Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: f.reply}}},
		}},
	}, nil
}

func TestBuildPrompt_WithoutRepoIsMessage(t *testing.T) {
	if got := BuildPrompt(Prompt{Message: "hello"}); got != "hello" {
		t.Fatalf("BuildPrompt=%q, want hello", got)
	}
}

func TestBuildPrompt_RepoAndFile(t *testing.T) {
	got := BuildPrompt(Prompt{
		Message: "what does main do?",
		Repo:    &Repo{Owner: "octo", Name: "app"},
		File:    "cmd/main.go",
	})
	want := "Repository: octo/app\nCurrent file: cmd/main.go\n\nUser question: what does main do?"
	if got != want {
		t.Fatalf("BuildPrompt=%q, want %q", got, want)
	}
}

func TestBuildPrompt_TruncatesFileText(t *testing.T) {
	big := strings.Repeat("x", MaxFileBytes+100)
	got := BuildPrompt(Prompt{Message: "q", Repo: &Repo{Owner: "o", Name: "r"}, File: "f", FileText: big})
	if strings.Count(got, "x") != MaxFileBytes {
		t.Fatalf("file bytes in prompt=%d, want %d", strings.Count(got, "x"), MaxFileBytes)
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("expected truncation note")
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "aé" // 'é' is two bytes
	got, truncated := Truncate(s, 2)
	if got != "a" || !truncated {
		t.Fatalf("Truncate=%q,%v, want a,true", got, truncated)
	}
	if got, truncated := Truncate("abc", 10); got != "abc" || truncated {
		t.Fatalf("Truncate short=%q,%v", got, truncated)
	}
}

func TestGeminiResponder_Reply(t *testing.T) {
	gen := &fakeGenerator{reply: "  main starts the server.\n"}
	r := newGeminiResponder(gen, "")

	got, err := r.Reply(context.Background(), Prompt{Message: "what?", Repo: &Repo{Owner: "o", Name: "r"}})
	if err != nil {
		t.Fatalf("Reply error: %v", err)
	}
	if got != "main starts the server." {
		t.Fatalf("Reply=%q", got)
	}
	if gen.model != "gemini-2.5-flash" {
		t.Fatalf("model=%q", gen.model)
	}
	if !strings.HasPrefix(gen.prompt, "Repository: o/r") || gen.system != SystemInstruction {
		t.Fatalf("prompt=%q system=%q", gen.prompt, gen.system)
	}
}

func TestGeminiResponder_Errors(t *testing.T) {
	gen := &fakeGenerator{}
	r := newGeminiResponder(gen, "m")
	if _, err := r.Reply(context.Background(), Prompt{Message: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v, want ErrEmptyMessage", err)
	}
	if gen.requests != 0 {
		t.Fatalf("requests=%d, want 0 for empty message", gen.requests)
	}

	boom := errors.New("quota")
	gen.err = boom
	if _, err := r.Reply(context.Background(), Prompt{Message: "q"}); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped quota", err)
	}

	gen.err = nil
	gen.reply = ""
	if _, err := r.Reply(context.Background(), Prompt{Message: "q"}); err == nil {
		t.Fatalf("expected error for empty reply")
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", "m"); err == nil {
		t.Fatalf("expected error without api key")
	}
}
