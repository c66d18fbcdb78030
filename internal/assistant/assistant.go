package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amakenya/ama/internal/llm"
	"github.com/amakenya/ama/internal/prompt"
	"github.com/amakenya/ama/internal/retrieval"
	"github.com/amakenya/ama/internal/storage"
	"github.com/amakenya/ama/internal/usercontext"
)

// BasePrompt is the system prompt every personalized prompt is layered on.
const BasePrompt = `You are the Civic Brain for Ama, Kenya's civic engagement platform.

CRITICAL RULES:
1. Answer ONLY using the provided RAG sources - do not use external knowledge
2. If sources don't contain the answer, say "I don't have information about that in my knowledge base"
3. ALWAYS cite sources using [Source X] notation
4. Keep answers concise (2-3 paragraphs maximum)
5. Provide actionable next steps
6. Be objective and nonpartisan`

const (
	defaultChatModel = "llama3-8b-8192"
	chatTemperature  = 0.4
	chatMaxTokens    = 800
	historyLimit     = 6
	defaultTopK      = 5
)

// ContextProvider yields the aggregated user context.
type ContextProvider interface {
	GetUserContext(ctx context.Context, userID string) (usercontext.UserContext, error)
}

// Retriever finds relevant knowledge chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query, county string, topK int) ([]retrieval.ContextChunk, error)
}

// ChatEngine produces chat completions.
type ChatEngine interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// HistoryStore persists and recalls conversation turns, and records user
// liveness.
type HistoryStore interface {
	SessionHistory(ctx context.Context, sessionID string, limit int) ([]storage.ChatMessage, error)
	SaveChatMessage(ctx context.Context, m storage.ChatMessage) error
	TouchLastActive(ctx context.Context, userID string, at time.Time) error
}

// Request is one question from a user.
type Request struct {
	UserID         string
	SessionID      string
	Query          string
	Language       string // "en" or "sw", default "en"
	ExcludeHistory bool
}

// Source describes one cited knowledge chunk.
type Source struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Article    string  `json:"article,omitempty"`
	Similarity float64 `json:"similarity"`
	IsLocal    bool    `json:"is_local"`
}

// Personalization echoes back how the answer was tailored.
type Personalization struct {
	TailoredTo string `json:"tailored_to"`
	Location   string `json:"location"`
	Role       string `json:"role"`
}

// Response is the assistant's answer with citations and confidence.
type Response struct {
	Answer          string          `json:"answer"`
	Sources         []Source        `json:"sources"`
	Confidence      float64         `json:"confidence"`
	Language        string          `json:"language"`
	Personalization Personalization `json:"personalization"`
}

// Options tune an Assistant. Zero values select defaults.
type Options struct {
	ChatModel string
	TopK      int
	Logger    *slog.Logger
}

// Assistant orchestrates context aggregation, retrieval, prompt synthesis,
// and the LLM call for one civic question.
type Assistant struct {
	contexts ContextProvider
	retrieve Retriever
	builder  *prompt.Builder
	engine   ChatEngine
	history  HistoryStore

	chatModel string
	topK      int
	logger    *slog.Logger
}

// New creates an Assistant wired to all pipeline components.
func New(contexts ContextProvider, r Retriever, builder *prompt.Builder, engine ChatEngine, history HistoryStore, opts Options) *Assistant {
	if opts.ChatModel == "" {
		opts.ChatModel = defaultChatModel
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Assistant{
		contexts:  contexts,
		retrieve:  r,
		builder:   builder,
		engine:    engine,
		history:   history,
		chatModel: opts.ChatModel,
		topK:      opts.TopK,
		logger:    opts.Logger,
	}
}

// Answer runs the full pipeline for one question:
//  1. Aggregate the user's context (profile miss propagates as
//     usercontext.ErrProfileNotFound)
//  2. Retrieve knowledge chunks with county bias; retrieval failure degrades
//     to an unsourced answer
//  3. Recall recent session history
//  4. Synthesize the personalized system prompt
//  5. Call the LLM
//  6. Persist both turns and touch the user's last-active timestamp
func (a *Assistant) Answer(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" || req.SessionID == "" {
		return nil, fmt.Errorf("query and session_id are required")
	}
	language := req.Language
	if language == "" {
		language = "en"
	}

	uc, err := a.contexts.GetUserContext(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	chunks, err := a.retrieve.Retrieve(ctx, req.Query, uc.Location.County, a.topK)
	if err != nil {
		a.logger.Warn("retrieval failed, answering without sources", "error", err)
		chunks = nil
	}

	var history []storage.ChatMessage
	if !req.ExcludeHistory {
		history, err = a.history.SessionHistory(ctx, req.SessionID, historyLimit)
		if err != nil {
			a.logger.Warn("history lookup failed, continuing without it", "error", err)
			history = nil
		}
	}

	systemPrompt := a.builder.Build(uc, BasePrompt)
	userMessage := composeUserMessage(history, chunks, req.Query)

	completion, err := a.engine.Chat(ctx, llm.ChatRequest{
		Model: a.chatModel,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		Temperature: chatTemperature,
		MaxTokens:   chatMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	answer := completion.Choices[0].Message.Content

	sources := chunkSources(chunks)
	a.persistTurns(ctx, req, answer, sources)

	// Liveness update is best-effort and must not delay the response.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.history.TouchLastActive(touchCtx, req.UserID, time.Now().UTC()); err != nil {
			a.logger.Warn("updating last_active_at failed", "user_id", req.UserID, "error", err)
		}
	}()

	return &Response{
		Answer:     answer,
		Sources:    sources,
		Confidence: confidence(chunks),
		Language:   language,
		Personalization: Personalization{
			TailoredTo: uc.Name,
			Location:   uc.Location.County,
			Role:       uc.Role,
		},
	}, nil
}

func (a *Assistant) persistTurns(ctx context.Context, req Request, answer string, sources []Source) {
	now := time.Now().UTC()
	userTurn := storage.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      "user",
		Content:   req.Query,
		CreatedAt: now,
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		a.logger.Warn("marshalling sources failed", "error", err)
		sourcesJSON = []byte("[]")
	}
	assistantTurn := storage.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Role:        "assistant",
		Content:     answer,
		SourcesJSON: string(sourcesJSON),
		CreatedAt:   now.Add(time.Millisecond),
	}
	for _, turn := range []storage.ChatMessage{userTurn, assistantTurn} {
		if err := a.history.SaveChatMessage(ctx, turn); err != nil {
			a.logger.Warn("saving chat turn failed", "session_id", req.SessionID, "error", err)
		}
	}
}

// composeUserMessage assembles the final user message from prior turns,
// retrieved sources, and the current question.
func composeUserMessage(history []storage.ChatMessage, chunks []retrieval.ContextChunk, query string) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Previous Conversation:\n")
		for i, h := range history {
			speaker := "Assistant"
			if h.Role == "user" {
				speaker = "User"
			}
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(speaker + ": " + h.Content)
		}
		b.WriteString("\n\n")
	}

	b.WriteString("Verified Information Sources:\n")
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "[Source %d] %s\n%s", i+1, c.Title, c.Text)
	}

	b.WriteString("\n\nCurrent Question: " + query)
	return b.String()
}

func chunkSources(chunks []retrieval.ContextChunk) []Source {
	sources := make([]Source, len(chunks))
	for i, c := range chunks {
		sources[i] = Source{
			DocumentID: c.DocID,
			Title:      c.Title,
			Article:    c.Article,
			Similarity: float64(c.Score),
			IsLocal:    c.Local,
		}
	}
	return sources
}

// confidence averages the top three similarity scores, rounded to two
// decimals. Fewer than three matches still divide by three, so thin evidence
// reads as low confidence.
func confidence(chunks []retrieval.ContextChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	n := len(chunks)
	if n > 3 {
		n = 3
	}
	var sum float64
	for _, c := range chunks[:n] {
		sum += float64(c.Score)
	}
	return math.Round(sum/3*100) / 100
}
