package agent

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-voice/pkg/gateway/github"
)

// Tool names the model may call while answering.
const (
	ToolListRepositories = "get_user_repositories"
	ToolListContents     = "get_repository_contents"
	ToolReadFile         = "get_file_content"
)

// maxToolRounds bounds model/tool round trips in one reply.
const maxToolRounds = 4

// Tools are GitHub lookups the model can make during a reply.
type Tools interface {
	Declarations() []*genai.FunctionDeclaration
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// githubReader is the part of *github.Client the tools use.
type githubReader interface {
	Repositories(ctx context.Context, token, search string) ([]github.Repository, error)
	ListDirectory(ctx context.Context, token, owner, repo, path string) ([]github.Content, error)
	ReadFile(ctx context.Context, token, owner, repo, path string) (string, error)
}

// GitHubTools answers tool calls with the caller's own token. The token is
// never part of a declaration or a result.
type GitHubTools struct {
	client githubReader
	token  string
}

func NewGitHubTools(client *github.Client, token string) *GitHubTools {
	return &GitHubTools{client: client, token: token}
}

func (g *GitHubTools) Declarations() []*genai.FunctionDeclaration {
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}
	repoPath := func(pathDesc string, required ...string) *genai.Schema {
		return &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"owner": str("Repository owner login."),
				"repo":  str("Repository name."),
				"path":  str(pathDesc),
			},
			Required: required,
		}
	}
	return []*genai.FunctionDeclaration{
		{
			Name:        ToolListRepositories,
			Description: "List the signed-in user's repositories, most recently updated first.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"search": str("Optional filter on repository name or description."),
				},
			},
		},
		{
			Name:        ToolListContents,
			Description: "List the files and directories at a path in a repository.",
			Parameters:  repoPath("Directory path; empty for the repository root.", "owner", "repo"),
		},
		{
			Name:        ToolReadFile,
			Description: "Read the text of a file in a repository.",
			Parameters:  repoPath("File path.", "owner", "repo", "path"),
		},
	}
}

func (g *GitHubTools) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case ToolListRepositories:
		repos, err := g.client.Repositories(ctx, g.token, stringArg(args, "search"))
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(repos))
		for _, r := range repos {
			out = append(out, map[string]any{
				"full_name":   r.FullName,
				"description": r.Description,
				"language":    r.Language,
				"private":     r.Private,
				"updated_at":  r.UpdatedAt,
			})
		}
		return map[string]any{"repositories": out}, nil
	case ToolListContents:
		owner, repo, err := repoArgs(args)
		if err != nil {
			return nil, err
		}
		items, err := g.client.ListDirectory(ctx, g.token, owner, repo, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{"name": it.Name, "path": it.Path, "type": it.Type, "size": it.Size})
		}
		return map[string]any{"entries": out}, nil
	case ToolReadFile:
		owner, repo, err := repoArgs(args)
		if err != nil {
			return nil, err
		}
		path := stringArg(args, "path")
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		text, err := g.client.ReadFile(ctx, g.token, owner, repo, path)
		if err != nil {
			return nil, err
		}
		text, truncated := Truncate(text, MaxFileBytes)
		return map[string]any{"path": path, "content": text, "truncated": truncated}, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func repoArgs(args map[string]any) (owner, repo string, err error) {
	owner, repo = stringArg(args, "owner"), stringArg(args, "repo")
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("owner and repo are required")
	}
	return owner, repo, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
