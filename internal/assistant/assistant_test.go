package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amakenya/ama/internal/llm"
	"github.com/amakenya/ama/internal/prompt"
	"github.com/amakenya/ama/internal/retrieval"
	"github.com/amakenya/ama/internal/storage"
	"github.com/amakenya/ama/internal/usercontext"
)

type mockContexts struct {
	ctx usercontext.UserContext
	err error
}

func (m *mockContexts) GetUserContext(ctx context.Context, userID string) (usercontext.UserContext, error) {
	return m.ctx, m.err
}

type mockRetriever struct {
	chunks []retrieval.ContextChunk
	err    error
	county string
}

func (m *mockRetriever) Retrieve(ctx context.Context, query, county string, topK int) ([]retrieval.ContextChunk, error) {
	m.county = county
	return m.chunks, m.err
}

type mockEngine struct {
	reply     string
	err       error
	noChoices bool
	lastReq   llm.ChatRequest
}

func (m *mockEngine) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	if m.noChoices {
		return &llm.ChatResponse{}, nil
	}
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: m.reply}}},
	}, nil
}

type mockHistory struct {
	mu          sync.Mutex
	past        []storage.ChatMessage
	historyErr  error
	saved       []storage.ChatMessage
	saveErr     error
	touched     chan string
	historyGets int
}

func newMockHistory() *mockHistory {
	return &mockHistory{touched: make(chan string, 1)}
}

func (m *mockHistory) SessionHistory(ctx context.Context, sessionID string, limit int) ([]storage.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyGets++
	return m.past, m.historyErr
}

func (m *mockHistory) SaveChatMessage(ctx context.Context, msg storage.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, msg)
	return nil
}

func (m *mockHistory) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	select {
	case m.touched <- userID:
	default:
	}
	return nil
}

func testContext() usercontext.UserContext {
	return usercontext.UserContext{
		UserID:            "user-1",
		Name:              "Mary",
		Role:              "youth_leader",
		Location:          usercontext.Location{County: "Kiambu"},
		Interests:         []string{"youth_employment"},
		ExpertiseAreas:    []string{},
		PreferredLanguage: "en",
	}
}

func newTestAssistant(contexts *mockContexts, r *mockRetriever, engine *mockEngine, history *mockHistory) *Assistant {
	return New(contexts, r, prompt.NewBuilder(prompt.DefaultTables()), engine, history, Options{})
}

func TestAnswerHappyPath(t *testing.T) {
	retriever := &mockRetriever{chunks: []retrieval.ContextChunk{
		{DocID: "doc1", Title: "County Governments Act", Article: "s.87", Text: "Citizens may petition...", Score: 0.9, Local: true},
		{DocID: "doc2", Title: "Public Participation Guide", Text: "Budget forums are held...", Score: 0.8},
	}}
	engine := &mockEngine{reply: "You can petition your county assembly [Source 1]."}
	history := newMockHistory()
	a := newTestAssistant(&mockContexts{ctx: testContext()}, retriever, engine, history)

	resp, err := a.Answer(context.Background(), Request{
		UserID: "user-1", SessionID: "sess-1", Query: "How do I petition the county?",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if resp.Answer != engine.reply {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if retriever.county != "Kiambu" {
		t.Errorf("retrieval county = %q, want Kiambu", retriever.county)
	}
	if len(resp.Sources) != 2 || resp.Sources[0].DocumentID != "doc1" || !resp.Sources[0].IsLocal {
		t.Errorf("unexpected sources: %+v", resp.Sources)
	}
	// (0.9 + 0.8) / 3 = 0.5666... -> 0.57
	if resp.Confidence != 0.57 {
		t.Errorf("confidence = %v, want 0.57", resp.Confidence)
	}
	if resp.Language != "en" {
		t.Errorf("language = %q, want en", resp.Language)
	}
	if resp.Personalization.TailoredTo != "Mary" || resp.Personalization.Location != "Kiambu" || resp.Personalization.Role != "youth_leader" {
		t.Errorf("unexpected personalization: %+v", resp.Personalization)
	}

	// System prompt is personalized on top of the base prompt.
	sys := engine.lastReq.Messages[0].Content
	if !strings.HasPrefix(sys, BasePrompt) {
		t.Error("system prompt should start with the base prompt")
	}
	if !strings.Contains(sys, "Mary") || !strings.Contains(sys, "Kiambu County") {
		t.Error("system prompt should carry user identity and location")
	}
	if engine.lastReq.Temperature != 0.4 || engine.lastReq.MaxTokens != 800 {
		t.Errorf("unexpected sampling params: %+v", engine.lastReq)
	}

	// Sources are numbered in the user message.
	user := engine.lastReq.Messages[1].Content
	if !strings.Contains(user, "[Source 1] County Governments Act") || !strings.Contains(user, "[Source 2] Public Participation Guide") {
		t.Errorf("sources not labeled in user message:\n%s", user)
	}
	if !strings.Contains(user, "Current Question: How do I petition the county?") {
		t.Errorf("question missing from user message:\n%s", user)
	}

	history.mu.Lock()
	saved := append([]storage.ChatMessage(nil), history.saved...)
	history.mu.Unlock()
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved turns, got %d", len(saved))
	}
	if saved[0].Role != "user" || saved[1].Role != "assistant" {
		t.Errorf("turns saved in wrong order: %s, %s", saved[0].Role, saved[1].Role)
	}
	var sources []Source
	if err := json.Unmarshal([]byte(saved[1].SourcesJSON), &sources); err != nil || len(sources) != 2 {
		t.Errorf("assistant turn should carry sources JSON, got %q", saved[1].SourcesJSON)
	}

	select {
	case userID := <-history.touched:
		if userID != "user-1" {
			t.Errorf("touched wrong user %q", userID)
		}
	case <-time.After(time.Second):
		t.Error("expected last_active_at touch")
	}
}

func TestAnswerIncludesHistory(t *testing.T) {
	history := newMockHistory()
	history.past = []storage.ChatMessage{
		{Role: "user", Content: "What is a ward?"},
		{Role: "assistant", Content: "A ward is the smallest electoral unit."},
	}
	engine := &mockEngine{reply: "ok"}
	a := newTestAssistant(&mockContexts{ctx: testContext()}, &mockRetriever{}, engine, history)

	if _, err := a.Answer(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Query: "q"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	user := engine.lastReq.Messages[1].Content
	if !strings.Contains(user, "Previous Conversation:") {
		t.Error("expected conversation history block")
	}
	if !strings.Contains(user, "User: What is a ward?") || !strings.Contains(user, "Assistant: A ward is the smallest electoral unit.") {
		t.Errorf("history turns missing:\n%s", user)
	}
}

func TestAnswerExcludeHistory(t *testing.T) {
	history := newMockHistory()
	history.past = []storage.ChatMessage{{Role: "user", Content: "old turn"}}
	engine := &mockEngine{reply: "ok"}
	a := newTestAssistant(&mockContexts{ctx: testContext()}, &mockRetriever{}, engine, history)

	if _, err := a.Answer(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Query: "q", ExcludeHistory: true}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if history.historyGets != 0 {
		t.Errorf("history should not be fetched, got %d lookups", history.historyGets)
	}
	if strings.Contains(engine.lastReq.Messages[1].Content, "Previous Conversation") {
		t.Error("history block should be omitted")
	}
}

func TestAnswerRetrievalFailureDegrades(t *testing.T) {
	engine := &mockEngine{reply: "I don't have information about that in my knowledge base"}
	a := newTestAssistant(&mockContexts{ctx: testContext()},
		&mockRetriever{err: errors.New("vector store down")}, engine, newMockHistory())

	resp, err := a.Answer(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Query: "q"})
	if err != nil {
		t.Fatalf("Answer should degrade, got %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("expected no sources, got %+v", resp.Sources)
	}
	if resp.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", resp.Confidence)
	}
}

func TestAnswerHistoryFailureDegrades(t *testing.T) {
	history := newMockHistory()
	history.historyErr = errors.New("table locked")
	a := newTestAssistant(&mockContexts{ctx: testContext()}, &mockRetriever{}, &mockEngine{reply: "ok"}, history)

	if _, err := a.Answer(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Query: "q"}); err != nil {
		t.Fatalf("Answer should degrade, got %v", err)
	}
}

func TestAnswerProfileNotFoundPropagates(t *testing.T) {
	a := newTestAssistant(&mockContexts{err: usercontext.ErrProfileNotFound},
		&mockRetriever{}, &mockEngine{}, newMockHistory())

	_, err := a.Answer(context.Background(), Request{UserID: "ghost", SessionID: "sess-1", Query: "q"})
	if !errors.Is(err, usercontext.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestAnswerChatErrorPropagates(t *testing.T) {
	wantErr := errors.New("provider down")
	history := newMockHistory()
	a := newTestAssistant(&mockContexts{ctx: testContext()}, &mockRetriever{}, &mockEngine{err: wantErr}, history)

	_, err := a.Answer(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Query: "q"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected chat error, got %v", err)
	}
	if len(history.saved) != 0 {
		t.Error("no turns should be saved when the LLM call fails")
	}
}

func TestAnswerEmptyChoicesErrors(t *testing.T) {
	history := newMockHistory()
	a := newTestAssistant(&mockContexts{ctx: testContext()}, &mockRetriever{}, &mockEngine{noChoices: true}, history)

	_, err := a.Answer(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Query: "q"})
	if err == nil {
		t.Fatal("expected error for a completion with no choices")
	}
	if len(history.saved) != 0 {
		t.Error("no turns should be saved for an empty completion")
	}
}

func TestAnswerValidation(t *testing.T) {
	a := newTestAssistant(&mockContexts{ctx: testContext()}, &mockRetriever{}, &mockEngine{reply: "ok"}, newMockHistory())

	if _, err := a.Answer(context.Background(), Request{UserID: "u", SessionID: "s"}); err == nil {
		t.Error("expected error for empty query")
	}
	if _, err := a.Answer(context.Background(), Request{UserID: "u", Query: "q"}); err == nil {
		t.Error("expected error for empty session_id")
	}
}

func TestConfidenceTopThree(t *testing.T) {
	chunks := []retrieval.ContextChunk{
		{Score: 0.9}, {Score: 0.9}, {Score: 0.9}, {Score: 0.1},
	}
	// Only the top three count: 2.7 / 3 = 0.9.
	if got := confidence(chunks); got != 0.9 {
		t.Errorf("confidence = %v, want 0.9", got)
	}
	if got := confidence(nil); got != 0 {
		t.Errorf("confidence(nil) = %v, want 0", got)
	}
}
