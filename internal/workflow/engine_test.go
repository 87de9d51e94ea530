package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/goleak"

	"github.com/okapi0/okapi/internal/checkpoint"
	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/provider"
	"github.com/okapi0/okapi/internal/retrieval"
	"github.com/okapi0/okapi/internal/testutil"
)

func TestMain(m *testing.M) {
	// genkit.Init installs a signal.NotifyContext whose goroutine it never
	// cancels; ignore it so goleak checks our own goroutines only.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("os/signal.NotifyContext.func1"))
}

// fakeResolver always selects the mock model.
type fakeResolver struct {
	err      error
	lastProv string
	lastModl string
}

func (f *fakeResolver) Resolve(prov, model string) (provider.Selection, error) {
	f.lastProv, f.lastModl = prov, model
	if f.err != nil {
		return provider.Selection{}, f.err
	}
	return provider.Selection{Provider: "mock", Model: "chat-model", ModelName: testutil.ModelName}, nil
}

// fakeRetriever returns a fixed document set and records queries.
type fakeRetriever struct {
	docs    []conversation.Document
	queries []string
	owners  []*int64
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, owner *int64, _ int) []conversation.Document {
	f.queries = append(f.queries, query)
	f.owners = append(f.owners, owner)
	return f.docs
}

// dispatchRecord captures one dispatched tool call.
type dispatchRecord struct {
	name   string
	args   map[string]any
	userID *int64
}

// fakeDispatcher records calls and replies from a per-tool map.
type fakeDispatcher struct {
	outputs map[string]any
	errs    map[string]error
	calls   []dispatchRecord
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name string, args map[string]any, userID *int64) (any, error) {
	f.calls = append(f.calls, dispatchRecord{name: name, args: args, userID: userID})
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if out, ok := f.outputs[name]; ok {
		return out, nil
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeDispatcher) Refs() []ai.ToolRef { return nil }

// memCheckpoints is an in-memory CheckpointStore.
type memCheckpoints struct {
	mu     sync.Mutex
	states map[string]*conversation.State
	saves  int
	// loadErr and saveErr force failures when set.
	loadErr error
	saveErr error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{states: make(map[string]*conversation.State)}
}

func (m *memCheckpoints) Load(_ context.Context, threadID string) (*conversation.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	state, ok := m.states[threadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return state, nil
}

func (m *memCheckpoints) Save(_ context.Context, threadID string, state *conversation.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[threadID] = state
	m.saves++
	return nil
}

type engineFixture struct {
	engine      *Engine
	llm         *testutil.MockLLM
	resolver    *fakeResolver
	retriever   *fakeRetriever
	dispatcher  *fakeDispatcher
	checkpoints *memCheckpoints
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	g := genkit.Init(context.Background())
	if g == nil {
		t.Fatal("genkit.Init returned nil")
	}

	llm := testutil.NewMockLLM("fallback answer")
	llm.RegisterModel(g)

	f := &engineFixture{
		llm:         llm,
		resolver:    &fakeResolver{},
		retriever:   &fakeRetriever{},
		dispatcher:  &fakeDispatcher{},
		checkpoints: newMemCheckpoints(),
	}
	f.engine = New(g, f.resolver, f.retriever, f.dispatcher, f.checkpoints, cfg, log.NewNop())
	return f
}

func userTurn(threadID, text string) Request {
	return Request{
		ThreadID: threadID,
		Messages: []conversation.Message{{Role: conversation.RoleUser, Content: text}},
	}
}

func TestRunSimpleTurn(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.retriever.docs = []conversation.Document{
		{Content: "Go is a compiled language.", Metadata: map[string]any{"source": "go-faq"}},
	}
	f.llm.EnqueueText("Go compiles to native code.")

	res, err := f.engine.Run(context.Background(), userTurn("t1", "Is Go compiled?"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != "Go compiles to native code." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Retrieved) != 1 || res.Retrieved[0].Content != "Go is a compiled language." {
		t.Errorf("Retrieved = %+v", res.Retrieved)
	}

	if got := f.retriever.queries; len(got) != 1 || got[0] != "Is Go compiled?" {
		t.Errorf("retriever queries = %v", got)
	}
	if f.checkpoints.saves != 1 {
		t.Errorf("saves = %d, want 1", f.checkpoints.saves)
	}

	state := f.checkpoints.states["t1"]
	visible := conversation.Visible(state.Messages)
	if len(visible) != 2 {
		t.Fatalf("visible messages = %d, want 2", len(visible))
	}
	if visible[0].Role != conversation.RoleUser || visible[1].Role != conversation.RoleAssistant {
		t.Errorf("roles = %q, %q", visible[0].Role, visible[1].Role)
	}
}

func TestRunEmptyRequest(t *testing.T) {
	f := newEngineFixture(t, Config{})

	_, err := f.engine.Run(context.Background(), Request{ThreadID: "t1"})
	if !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("error = %v, want ErrEmptyRequest", err)
	}
	if f.checkpoints.saves != 0 {
		t.Errorf("saves = %d, want 0", f.checkpoints.saves)
	}
}

func TestRunHistoryAccumulates(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.llm.EnqueueText("first answer")
	f.llm.EnqueueText("second answer")

	if _, err := f.engine.Run(context.Background(), userTurn("t1", "first question")); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	res, err := f.engine.Run(context.Background(), userTurn("t1", "second question"))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Answer != "second answer" {
		t.Errorf("Answer = %q", res.Answer)
	}

	visible := conversation.Visible(f.checkpoints.states["t1"].Messages)
	if len(visible) != 4 {
		t.Fatalf("visible messages = %d, want 4", len(visible))
	}
	if visible[2].Content != "second question" || visible[3].Content != "second answer" {
		t.Errorf("second turn = %+v, %+v", visible[2], visible[3])
	}

	// The model must see both turns on the second call.
	calls := f.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	if calls[1].UserMessage != "second question" {
		t.Errorf("last user message = %q", calls[1].UserMessage)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	f := newEngineFixture(t, Config{})
	userID := int64(42)
	f.dispatcher.outputs = map[string]any{
		"retrieve_documents": map[string]any{"documents": []any{"doc one"}},
	}
	f.llm.EnqueueToolRequests("", &ai.ToolRequest{
		Name:  "retrieve_documents",
		Ref:   "call-1",
		Input: map[string]any{"query": "compilers"},
	})
	f.llm.EnqueueText("answer built from tool output")

	req := userTurn("t1", "tell me about compilers")
	req.UserID = &userID
	res, err := f.engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != "answer built from tool output" {
		t.Errorf("Answer = %q", res.Answer)
	}

	if len(f.dispatcher.calls) != 1 {
		t.Fatalf("dispatched calls = %d, want 1", len(f.dispatcher.calls))
	}
	call := f.dispatcher.calls[0]
	if call.name != "retrieve_documents" {
		t.Errorf("tool name = %q", call.name)
	}
	if call.args["query"] != "compilers" {
		t.Errorf("args = %v", call.args)
	}
	if call.userID == nil || *call.userID != 42 {
		t.Errorf("userID = %v, want 42", call.userID)
	}

	// The persisted history carries the tool exchange with the matching ref.
	state := f.checkpoints.states["t1"]
	var toolResp *ai.ToolResponse
	for _, msg := range state.Messages {
		if msg.Role != ai.RoleTool {
			continue
		}
		for _, part := range msg.Content {
			if part.ToolResponse != nil {
				toolResp = part.ToolResponse
			}
		}
	}
	if toolResp == nil {
		t.Fatal("no tool response message in state")
	}
	if toolResp.Ref != "call-1" || toolResp.Name != "retrieve_documents" {
		t.Errorf("tool response = %+v", toolResp)
	}
}

func TestRunToolFailureStaysInBand(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.dispatcher.errs = map[string]error{
		"retrieve_documents": errors.New("search index offline"),
	}
	f.llm.EnqueueToolRequests("", &ai.ToolRequest{
		Name:  "retrieve_documents",
		Ref:   "call-1",
		Input: map[string]any{"query": "anything"},
	})
	f.llm.EnqueueText("answered without documents")

	res, err := f.engine.Run(context.Background(), userTurn("t1", "question"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != "answered without documents" {
		t.Errorf("Answer = %q", res.Answer)
	}

	var output any
	for _, msg := range f.checkpoints.states["t1"].Messages {
		for _, part := range msg.Content {
			if part.ToolResponse != nil {
				output = part.ToolResponse.Output
			}
		}
	}
	m, ok := output.(map[string]any)
	if !ok {
		t.Fatalf("tool output = %T, want map", output)
	}
	if errText, _ := m["error"].(string); !strings.Contains(errText, "search index offline") {
		t.Errorf("tool output error = %v", m["error"])
	}
}

func TestRunToolRoundCapForcesAnswer(t *testing.T) {
	f := newEngineFixture(t, Config{MaxToolRounds: 2})
	for range 4 {
		f.llm.EnqueueToolRequests("", &ai.ToolRequest{
			Name:  "retrieve_documents",
			Ref:   "loop",
			Input: map[string]any{"query": "again"},
		})
	}

	res, err := f.engine.Run(context.Background(), userTurn("t1", "question"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != exhaustedAnswer {
		t.Errorf("Answer = %q, want forced fallback", res.Answer)
	}

	// Only MaxToolRounds dispatch rounds ran; the capped response's
	// requests were dropped.
	if len(f.dispatcher.calls) != 2 {
		t.Errorf("dispatched calls = %d, want 2", len(f.dispatcher.calls))
	}
	if f.checkpoints.saves != 1 {
		t.Errorf("saves = %d, want 1", f.checkpoints.saves)
	}

	// History closes on a plain assistant message, not a tool request.
	msgs := f.checkpoints.states["t1"].Messages
	last := msgs[len(msgs)-1]
	if len(conversation.ToolRequests(last)) != 0 {
		t.Errorf("history ends on unresolved tool request: %+v", last)
	}
	if conversation.MessageText(last) != exhaustedAnswer {
		t.Errorf("last message text = %q", conversation.MessageText(last))
	}
}

func TestRunToolRoundCapKeepsNarration(t *testing.T) {
	f := newEngineFixture(t, Config{MaxToolRounds: 1})
	f.llm.EnqueueToolRequests("", &ai.ToolRequest{
		Name:  "retrieve_documents",
		Ref:   "r1",
		Input: map[string]any{"query": "one"},
	})
	f.llm.EnqueueToolRequests("partial findings so far", &ai.ToolRequest{
		Name:  "retrieve_documents",
		Ref:   "r2",
		Input: map[string]any{"query": "two"},
	})

	res, err := f.engine.Run(context.Background(), userTurn("t1", "question"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != "partial findings so far" {
		t.Errorf("Answer = %q, want capped response's narration", res.Answer)
	}
}

func TestRunResolverError(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.resolver.err = provider.ErrNoCredential

	_, err := f.engine.Run(context.Background(), userTurn("t1", "question"))
	if !errors.Is(err, provider.ErrNoCredential) {
		t.Fatalf("error = %v, want ErrNoCredential", err)
	}
	if got := f.llm.Calls(); len(got) != 0 {
		t.Errorf("model calls = %d, want 0", len(got))
	}
	if f.checkpoints.saves != 0 {
		t.Errorf("saves = %d, want 0", f.checkpoints.saves)
	}
}

func TestRunProviderOverrideReachesResolver(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.llm.EnqueueText("ok")

	req := userTurn("t1", "question")
	req.Provider = "anthropic"
	req.Model = "claude-sonnet-4-5"
	if _, err := f.engine.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if f.resolver.lastProv != "anthropic" || f.resolver.lastModl != "claude-sonnet-4-5" {
		t.Errorf("resolver saw %q/%q", f.resolver.lastProv, f.resolver.lastModl)
	}

	// The override sticks to the thread for later turns.
	f.llm.EnqueueText("ok again")
	if _, err := f.engine.Run(context.Background(), userTurn("t1", "followup")); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if f.resolver.lastProv != "anthropic" {
		t.Errorf("resolver saw %q on followup, want anthropic", f.resolver.lastProv)
	}
}

func TestRunCheckpointSaveError(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.checkpoints.saveErr = errors.New("connection reset")
	f.llm.EnqueueText("answer")

	_, err := f.engine.Run(context.Background(), userTurn("t1", "question"))
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %v, want save failure", err)
	}
}

func TestRunStreamDeliversAnswerChunks(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.llm.EnqueueText("streamed final answer")

	var chunks []string
	res, err := f.engine.RunStream(context.Background(), userTurn("t1", "question"),
		func(_ context.Context, chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		})
	if err != nil {
		t.Fatalf("RunStream() error = %v", err)
	}

	if len(chunks) < 2 {
		t.Errorf("chunks = %d, want incremental delivery", len(chunks))
	}
	if joined := strings.Join(chunks, ""); joined != res.Answer {
		t.Errorf("joined chunks = %q, answer = %q", joined, res.Answer)
	}
	if res.Answer != "streamed final answer" {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestRunStreamDiscardsToolRoundContent(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.llm.EnqueueToolRequests("let me look that up", &ai.ToolRequest{
		Name:  "retrieve_documents",
		Ref:   "call-1",
		Input: map[string]any{"query": "q"},
	})
	f.llm.EnqueueText("the real answer")

	var chunks []string
	res, err := f.engine.RunStream(context.Background(), userTurn("t1", "question"),
		func(_ context.Context, chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		})
	if err != nil {
		t.Fatalf("RunStream() error = %v", err)
	}

	joined := strings.Join(chunks, "")
	if strings.Contains(joined, "look that up") {
		t.Errorf("tool round narration leaked into stream: %q", joined)
	}
	if joined != "the real answer" {
		t.Errorf("stream = %q, want final answer only", joined)
	}
	if res.Answer != "the real answer" {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestRunStreamCallbackError(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.llm.EnqueueText("some answer text here")

	sentinel := errors.New("client went away")
	_, err := f.engine.RunStream(context.Background(), userTurn("t1", "question"),
		func(context.Context, string) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want callback error", err)
	}
}

func TestRunConcurrentSameThread(t *testing.T) {
	f := newEngineFixture(t, Config{})
	// Patterns, not the script: concurrent turns consume in nondeterministic
	// order.
	f.llm.AddResponse("question", "an answer")

	const turns = 8
	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.Run(context.Background(), userTurn("shared", "question"))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	// Serialized turns mean no lost updates: every turn's pair is in history.
	visible := conversation.Visible(f.checkpoints.states["shared"].Messages)
	if len(visible) != turns*2 {
		t.Errorf("visible messages = %d, want %d", len(visible), turns*2)
	}
	if f.checkpoints.saves != turns {
		t.Errorf("saves = %d, want %d", f.checkpoints.saves, turns)
	}
}

func TestRunHistoryWindowLimitsModelInput(t *testing.T) {
	f := newEngineFixture(t, Config{MaxHistoryMessages: 4})

	state := &conversation.State{}
	for i := range 10 {
		state.Append(ai.NewUserMessage(ai.NewTextPart(fmt.Sprintf("question %d", i))))
		state.Append(ai.NewModelMessage(ai.NewTextPart(fmt.Sprintf("answer %d", i))))
	}
	f.checkpoints.states["t1"] = state
	f.llm.EnqueueText("windowed answer")

	res, err := f.engine.Run(context.Background(), userTurn("t1", "latest question"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != "windowed answer" {
		t.Errorf("Answer = %q", res.Answer)
	}

	// The model sees the system prompt plus the 4 most recent messages, the
	// incoming user message among them.
	calls := f.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(calls))
	}
	if calls[0].Messages != 5 {
		t.Errorf("model saw %d messages, want 5", calls[0].Messages)
	}
	if calls[0].UserMessage != "latest question" {
		t.Errorf("last user message = %q", calls[0].UserMessage)
	}

	// The full history is still persisted, only the model input is windowed.
	if got := len(f.checkpoints.states["t1"].Messages); got != 22 {
		t.Errorf("persisted messages = %d, want 22", got)
	}
}

// failingSearcher simulates an unreachable vector backend.
type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string, ...retrieval.SearchOption) ([]retrieval.Result, error) {
	return nil, errors.New("pgvector unavailable")
}

func TestRunRetrievalBackendFailureStillAnswers(t *testing.T) {
	g := genkit.Init(context.Background())
	if g == nil {
		t.Fatal("genkit.Init returned nil")
	}
	llm := testutil.NewMockLLM("answered without context")
	llm.RegisterModel(g)

	retriever := retrieval.NewRetriever(failingSearcher{}, 5, log.NewNop())
	checkpoints := newMemCheckpoints()
	engine := New(g, &fakeResolver{}, retriever, &fakeDispatcher{}, checkpoints, Config{}, log.NewNop())

	res, err := engine.Run(context.Background(), userTurn("t1", "question"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Answer != "answered without context" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Retrieved) != 0 {
		t.Errorf("Retrieved = %+v, want empty on backend failure", res.Retrieved)
	}
	if checkpoints.saves != 1 {
		t.Errorf("saves = %d, want 1", checkpoints.saves)
	}
}

func TestRunRetrievalReplacedEachTurn(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.retriever.docs = []conversation.Document{{Content: "doc A"}}
	f.llm.EnqueueText("one")
	f.llm.EnqueueText("two")

	if _, err := f.engine.Run(context.Background(), userTurn("t1", "first")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	f.retriever.docs = []conversation.Document{{Content: "doc B"}, {Content: "doc C"}}
	res, err := f.engine.Run(context.Background(), userTurn("t1", "second"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(res.Retrieved) != 2 || res.Retrieved[0].Content != "doc B" {
		t.Errorf("Retrieved = %+v, want replacement not accumulation", res.Retrieved)
	}
}
