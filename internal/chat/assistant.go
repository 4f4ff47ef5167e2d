package chat

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"unicode"

	"medassist-backend/internal/config"
	"medassist-backend/internal/core/utils"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/retrieval"
)

const (
	GreetingMessage = "Hello! This assistant specializes in generating medical reports. Please ask a medical-related question."
	NoDataMessage   = "No relevant medical data found. Please refine your query with specific medical terms."
	Disclaimer      = "This AI-generated medical report is for informational purposes only and should not replace professional medical advice."
)

var ErrEmptyQuery = errors.New("query must not be empty")

//go:embed templates/*.tmpl
var templates embed.FS

var prompts = template.Must(template.ParseFS(templates, "templates/*.tmpl"))

// RetrievalError wraps a failure of the vector index.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("error retrieving context: %v", e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

type Answer struct {
	Content string `json:"content"`
	// Medical is false when the query was answered with the greeting.
	Medical  bool `json:"medical"`
	Passages int  `json:"passages"`
}

// Assistant answers medical questions from passages retrieved out of a vector
// index. Non-medical questions get a fixed greeting.
type Assistant struct {
	llm       llm.Completer
	retriever retrieval.Retriever
	topK      int
	start     string
	end       string
}

func NewAssistant(completer llm.Completer, retriever retrieval.Retriever, topK int, cfg *config.PipelineConfig) *Assistant {
	return &Assistant{
		llm:       completer,
		retriever: retriever,
		topK:      topK,
		start:     cfg.Report.StartDelimiter,
		end:       cfg.Report.EndDelimiter,
	}
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("error rendering prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// isNo reports whether a classification reply starts with the word "no".
func isNo(reply string) bool {
	word := strings.FieldsFunc(strings.ToLower(reply), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	return len(word) > 0 && word[0] == "no"
}

func (a *Assistant) IsMedical(ctx context.Context, query string) (bool, error) {
	prompt, err := render("relevance.tmpl", map[string]string{"Query": query})
	if err != nil {
		return false, err
	}

	reply, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("error classifying query: %w", err)
	}

	return !isNo(reply), nil
}

func (a *Assistant) Answer(ctx context.Context, query string) (Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Answer{}, ErrEmptyQuery
	}

	medical, err := a.IsMedical(ctx, query)
	if err != nil {
		return Answer{}, err
	}
	if !medical {
		slog.Info("query is not medical, replying with greeting")
		return Answer{Content: GreetingMessage}, nil
	}

	passages, err := a.retriever.Search(ctx, query, a.topK)
	if err != nil {
		return Answer{}, &RetrievalError{Err: err}
	}
	if len(passages) == 0 {
		return Answer{Content: NoDataMessage, Medical: true}, nil
	}

	prompt, err := render("restructure.tmpl", map[string]any{
		"Query":      query,
		"Passages":   passages,
		"Start":      a.start,
		"End":        a.end,
		"Disclaimer": Disclaimer,
	})
	if err != nil {
		return Answer{}, err
	}

	reply, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		return Answer{}, fmt.Errorf("error generating answer: %w", err)
	}

	body, err := utils.ExtractFencedBlock(reply, a.start, a.end)
	if err != nil {
		return Answer{}, err
	}

	return Answer{Content: body, Medical: true, Passages: len(passages)}, nil
}
