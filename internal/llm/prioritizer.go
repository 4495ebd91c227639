// Package llm ranks tasks. The Anthropic implementation asks a model for
// a priority per task; Heuristic is the offline stand-in.
package llm

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/tasks"
	"github.com/tempohq/tempo/internal/xerrors"
)

// Suggestion is a proposed priority for one task.
type Suggestion struct {
	ID       int64  `json:"id"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason,omitempty"`
}

type Prioritizer interface {
	Prioritize(ctx context.Context, list []tasks.Task) ([]Suggestion, error)
}

var (
	ErrUnavailable = xerrors.E(xerrors.KindUnavailable, "prioritizer unavailable")
	errBadAnswer   = xerrors.E(xerrors.KindUnavailable, "prioritizer returned an unusable answer")
)

const systemPrompt = `You rank personal tasks. Reply with only a JSON array of objects ` +
	`{"id": <task id>, "priority": <1-5, 5 most urgent>, "reason": <short phrase>}, one per task.`

type AnthropicOptions struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Logger    log.Logger
	// ClientOptions are appended after the API key, e.g. a base URL.
	ClientOptions []option.RequestOption
}

type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    log.Logger
}

func NewAnthropic(opts AnthropicOptions) *Anthropic {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Model == "" {
		opts.Model = "claude-3-5-haiku-latest"
	}
	ro := append([]option.RequestOption{option.WithAPIKey(opts.APIKey)}, opts.ClientOptions...)
	return &Anthropic{
		client:    anthropic.NewClient(ro...),
		model:     anthropic.Model(opts.Model),
		maxTokens: opts.MaxTokens,
		logger:    log.OrNop(opts.Logger).With("component", "llm"),
	}
}

type promptTask struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
	Zone  string `json:"zone"`
	Due   string `json:"due,omitempty"`
}

func buildPrompt(list []tasks.Task) (string, error) {
	in := make([]promptTask, 0, len(list))
	for _, t := range list {
		p := promptTask{ID: t.ID, Title: t.Title, Notes: t.Notes, Zone: t.Zone}
		if t.DueAt != nil {
			p.Due = t.DueAt.UTC().Format(time.RFC3339)
		}
		in = append(in, p)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", xerrors.Wrap(err, "encode prompt")
	}
	return "Tasks:\n" + string(b), nil
}

func (a *Anthropic) Prioritize(ctx context.Context, list []tasks.Task) ([]Suggestion, error) {
	if len(list) == 0 {
		return []Suggestion{}, nil
	}
	prompt, err := buildPrompt(list)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return nil, xerrors.EWrap(xerrors.KindUnavailable, err, "prioritizer unavailable")
	}

	var text strings.Builder
	for _, c := range msg.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	out, err := parseSuggestions(text.String(), list)
	if err != nil {
		a.logger.Warn(ctx, "discarding model answer", "err", err, "model", string(a.model))
		return nil, errBadAnswer
	}
	return out, nil
}

// parseSuggestions reads the first JSON array in text. Suggestions for
// unknown ids are dropped and priorities are clamped into range.
func parseSuggestions(text string, list []tasks.Task) ([]Suggestion, error) {
	start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, xerrors.New("no JSON array in answer")
	}
	var raw []Suggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, xerrors.Wrap(err, "decode answer")
	}

	known := make(map[int64]bool, len(list))
	for _, t := range list {
		known[t.ID] = true
	}
	out := make([]Suggestion, 0, len(raw))
	seen := make(map[int64]bool, len(raw))
	for _, s := range raw {
		if !known[s.ID] || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		s.Priority = clamp(s.Priority)
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, xerrors.New("answer names none of the tasks")
	}
	sortSuggestions(out)
	return out, nil
}

func clamp(p int) int {
	switch {
	case p < tasks.MinPriority:
		return tasks.MinPriority
	case p > tasks.MaxPriority:
		return tasks.MaxPriority
	}
	return p
}

func sortSuggestions(s []Suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Priority != s[j].Priority {
			return s[i].Priority > s[j].Priority
		}
		return s[i].ID < s[j].ID
	})
}

// Heuristic ranks by due date: overdue and due today first.
type Heuristic struct {
	Now func() time.Time
}

func (h Heuristic) Prioritize(_ context.Context, list []tasks.Task) ([]Suggestion, error) {
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	out := make([]Suggestion, 0, len(list))
	for _, t := range list {
		s := Suggestion{ID: t.ID, Priority: 2, Reason: "no due date"}
		if t.DueAt != nil {
			switch left := t.DueAt.Sub(now); {
			case left < 0:
				s.Priority, s.Reason = 5, "overdue"
			case left < 24*time.Hour:
				s.Priority, s.Reason = 4, "due within a day"
			case left < 7*24*time.Hour:
				s.Priority, s.Reason = 3, "due this week"
			default:
				s.Priority, s.Reason = 2, "due later"
			}
		}
		out = append(out, s)
	}
	sortSuggestions(out)
	return out, nil
}
