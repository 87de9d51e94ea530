package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/workflow"
)

type fakeRunner struct {
	result   *workflow.Result
	err      error
	lastReq  workflow.Request
	streamed []string
}

func (f *fakeRunner) Run(_ context.Context, req workflow.Request) (*workflow.Result, error) {
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeRunner) RunStream(ctx context.Context, req workflow.Request, stream workflow.StreamFunc) (*workflow.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	for _, chunk := range strings.SplitAfter(f.result.Answer, " ") {
		f.streamed = append(f.streamed, chunk)
		if err := stream(ctx, chunk); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

type fakeHistorian struct {
	messages []conversation.Message
	cleared  []string
	err      error
}

func (f *fakeHistorian) History(context.Context, string) ([]conversation.Message, error) {
	return f.messages, f.err
}

func (f *fakeHistorian) Clear(_ context.Context, threadID string) error {
	f.cleared = append(f.cleared, threadID)
	return f.err
}

func query(threadID, text string) Query {
	return Query{
		ThreadID: threadID,
		Messages: []conversation.Message{{Role: conversation.RoleUser, Content: text}},
	}
}

func TestAnswer(t *testing.T) {
	runner := &fakeRunner{result: &workflow.Result{
		Answer: "the policy allows refunds within 30 days",
		Retrieved: []conversation.Document{
			{Content: "Refunds are accepted within 30 days.", Metadata: map[string]any{"source": "policy.pdf"}},
			{Content: "Contact support to initiate a refund."},
		},
	}}
	a := New(runner, &fakeHistorian{}, log.NewNop())

	userID := int64(7)
	q := query("t1", "What is the refund policy?")
	q.UserID = &userID
	q.Provider = "openai"

	res, err := a.Answer(context.Background(), q)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if res.Answer != "the policy allows refunds within 30 days" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("Sources = %d, want 2", len(res.Sources))
	}
	if res.Sources[0].Metadata["source"] != "policy.pdf" {
		t.Errorf("source metadata = %v", res.Sources[0].Metadata)
	}

	if runner.lastReq.ThreadID != "t1" || runner.lastReq.Provider != "openai" {
		t.Errorf("request = %+v", runner.lastReq)
	}
	if runner.lastReq.UserID == nil || *runner.lastReq.UserID != 7 {
		t.Errorf("request user id = %v", runner.lastReq.UserID)
	}
}

func TestAnswerTruncatesSources(t *testing.T) {
	long := strings.Repeat("x", 500)
	runner := &fakeRunner{result: &workflow.Result{
		Answer:    "ok",
		Retrieved: []conversation.Document{{Content: long}, {Content: "short"}},
	}}
	a := New(runner, &fakeHistorian{}, log.NewNop())

	res, err := a.Answer(context.Background(), query("t1", "q"))
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	got := res.Sources[0].Content
	if want := strings.Repeat("x", SourceCharBudget) + "..."; got != want {
		t.Errorf("truncated source length = %d, ellipsis = %v", len(got), strings.HasSuffix(got, "..."))
	}
	if res.Sources[1].Content != "short" {
		t.Errorf("short source altered: %q", res.Sources[1].Content)
	}
}

func TestAnswerInvalidThread(t *testing.T) {
	a := New(&fakeRunner{}, &fakeHistorian{}, log.NewNop())

	if _, err := a.Answer(context.Background(), query("", "q")); !errors.Is(err, ErrInvalidThread) {
		t.Errorf("Answer error = %v, want ErrInvalidThread", err)
	}
	if _, err := a.History(context.Background(), ""); !errors.Is(err, ErrInvalidThread) {
		t.Errorf("History error = %v, want ErrInvalidThread", err)
	}
	if err := a.Clear(context.Background(), ""); !errors.Is(err, ErrInvalidThread) {
		t.Errorf("Clear error = %v, want ErrInvalidThread", err)
	}
}

func TestAnswerPropagatesEngineError(t *testing.T) {
	runner := &fakeRunner{err: workflow.ErrProviderCall}
	a := New(runner, &fakeHistorian{}, log.NewNop())

	_, err := a.Answer(context.Background(), query("t1", "q"))
	if !errors.Is(err, workflow.ErrProviderCall) {
		t.Errorf("error = %v, want ErrProviderCall", err)
	}
}

func TestAnswerStream(t *testing.T) {
	runner := &fakeRunner{result: &workflow.Result{Answer: "streamed answer text"}}
	a := New(runner, &fakeHistorian{}, log.NewNop())

	var chunks []string
	res, err := a.AnswerStream(context.Background(), query("t1", "q"),
		func(_ context.Context, chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		})
	if err != nil {
		t.Fatalf("AnswerStream() error = %v", err)
	}
	if joined := strings.Join(chunks, ""); joined != res.Answer {
		t.Errorf("joined chunks = %q, answer = %q", joined, res.Answer)
	}
}

func TestHistoryAndClearDelegate(t *testing.T) {
	hist := &fakeHistorian{messages: []conversation.Message{
		{Role: conversation.RoleUser, Content: "q"},
		{Role: conversation.RoleAssistant, Content: "a"},
	}}
	a := New(&fakeRunner{}, hist, log.NewNop())

	msgs, err := a.History(context.Background(), "t1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].Role != conversation.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}

	if err := a.Clear(context.Background(), "t1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if len(hist.cleared) != 1 || hist.cleared[0] != "t1" {
		t.Errorf("cleared = %v", hist.cleared)
	}
}
