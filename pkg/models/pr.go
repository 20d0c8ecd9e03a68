package models

// FileChange describes one changed file in the input context.
type FileChange struct {
	Filename  string `json:"filename"`
	Status    string `json:"status,omitempty"` // added, modified, removed, renamed
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
	Patch     string `json:"patch,omitempty"`
}

// PullRequestInfo is the input context a run executes against. For issue
// events most diff fields are empty until an analyzer elevates the context.
type PullRequestInfo struct {
	Number      int          `json:"number,omitempty"`
	Title       string       `json:"title,omitempty"`
	Body        string       `json:"body,omitempty"`
	Author      string       `json:"author,omitempty"`
	BaseBranch  string       `json:"base_branch,omitempty"`
	HeadBranch  string       `json:"head_branch,omitempty"`
	Repository  string       `json:"repository,omitempty"`
	Files       []FileChange `json:"files,omitempty"`
	CommentBody string       `json:"comment_body,omitempty"`
	IsIssue     bool         `json:"is_issue,omitempty"`
}

// Key returns a stable identifier for the input context, used to seed
// deterministic retry jitter.
func (p *PullRequestInfo) Key() string {
	if p == nil {
		return "local"
	}
	if p.Repository != "" {
		return p.Repository
	}
	return "local"
}

// AsMap exposes the context to sandbox expressions.
func (p *PullRequestInfo) AsMap() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	files := make([]any, len(p.Files))
	for i, f := range p.Files {
		files[i] = map[string]any{
			"filename":  f.Filename,
			"status":    f.Status,
			"additions": f.Additions,
			"deletions": f.Deletions,
			"patch":     f.Patch,
		}
	}
	return map[string]any{
		"number":       p.Number,
		"title":        p.Title,
		"body":         p.Body,
		"author":       p.Author,
		"base_branch":  p.BaseBranch,
		"head_branch":  p.HeadBranch,
		"repository":   p.Repository,
		"files":        files,
		"comment_body": p.CommentBody,
		"is_issue":     p.IsIssue,
	}
}
