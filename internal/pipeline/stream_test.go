package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/provenance"
)

// failingChat errors on every call.
type failingChat struct{}

func (failingChat) Respond(ctx context.Context, system, prompt string, history []llm.Message) (string, []llm.Message, error) {
	return "", nil, errors.New("backend unavailable")
}

func (failingChat) RespondStream(ctx context.Context, system, prompt string, history []llm.Message) (<-chan llm.StreamChunk, []llm.Message, error) {
	return nil, nil, errors.New("backend unavailable")
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestChatStreamOrderingAndEquivalence(t *testing.T) {
	chat := &routedChat{routes: map[string]string{"Initial:": "streamed answer tokens"}}
	store := &recordingStore{docs: sampleDocs()}
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodNone)

	events := collect(t, o.ChatStream(context.Background(), testSnapshot(nil), "question?", nil, nil))
	if len(events) == 0 {
		t.Fatal("no events")
	}

	last := events[len(events)-1]
	if last.Kind != EventDone {
		t.Fatalf("last event = %s, expected done", last.Kind)
	}

	var tokens strings.Builder
	stage := 0 // 0 steps, 1 documents seen, 2 tokens seen
	docsSeen := 0
	for i, ev := range events[:len(events)-1] {
		switch ev.Kind {
		case EventStep:
			if stage >= 2 && ev.Step != "Computing provenance scores (none)..." {
				t.Errorf("event %d: step %q after tokens started", i, ev.Step)
			}
		case EventDocuments:
			docsSeen++
			if stage >= 2 {
				t.Errorf("event %d: documents after tokens", i)
			}
			stage = 1
			if len(ev.Documents) != 2 {
				t.Errorf("documents event carries %d docs, expected 2", len(ev.Documents))
			}
		case EventToken:
			stage = 2
			tokens.WriteString(ev.Token)
		default:
			t.Errorf("event %d: unexpected kind %s", i, ev.Kind)
		}
	}
	if docsSeen != 1 {
		t.Errorf("documents emitted %d times, expected once", docsSeen)
	}
	if tokens.String() != last.Result.Reply {
		t.Errorf("token concatenation %q != done reply %q", tokens.String(), last.Result.Reply)
	}
	if last.Result.Reply != "streamed answer tokens" {
		t.Errorf("reply = %q", last.Result.Reply)
	}
}

func TestChatStreamStepLabelsColdStart(t *testing.T) {
	chat := &routedChat{routes: map[string]string{"Initial:": "answer"}}
	store := &recordingStore{docs: sampleDocs()}
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodNone)

	events := collect(t, o.ChatStream(context.Background(), testSnapshot(nil), "question?", nil, nil))

	var steps []string
	for _, ev := range events {
		if ev.Kind == EventStep {
			steps = append(steps, ev.Step)
		}
	}
	want := []string{"Retrieving relevant documents...", "Generating answer..."}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, expected %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step[%d] = %q, expected %q", i, steps[i], want[i])
		}
	}
}

func TestChatStreamNoDocumentsEventWithoutFetch(t *testing.T) {
	chat := &routedChat{routes: map[string]string{
		"Need docs for:": "no",
		"Followup:":      "answer",
	}}
	store := &recordingStore{docs: sampleDocs()}
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodNone)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleAssistant, Content: "earlier answer"},
	}
	events := collect(t, o.ChatStream(context.Background(), testSnapshot(nil), "next?", history, nil))

	sawSkipStep := false
	for _, ev := range events {
		if ev.Kind == EventDocuments {
			t.Error("documents event must not fire when retrieval is skipped")
		}
		if ev.Kind == EventStep && ev.Step == "Using existing context (no new retrieval needed)." {
			sawSkipStep = true
		}
	}
	if !sawSkipStep {
		t.Error("expected the existing-context step")
	}
	last := events[len(events)-1]
	if last.Kind != EventDone || last.Result.FetchedNew {
		t.Errorf("done result = %+v, expected fetchedNew false", last.Result)
	}
	if last.Result.Documents != nil {
		t.Error("done documents should be nil; the transport substitutes request docs")
	}
}

func TestChatStreamProvenanceOnlyWhenFetched(t *testing.T) {
	chat := &routedChat{routes: map[string]string{
		"Initial:":                  "answer",
		"You are a provenance auditor": "0.4",
	}}
	store := &recordingStore{docs: sampleDocs()}
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodLLM)

	events := collect(t, o.ChatStream(context.Background(), testSnapshot(nil), "question?", nil, nil))

	sawProvenanceStep := false
	for _, ev := range events {
		if ev.Kind == EventStep && ev.Step == "Computing provenance scores (llm)..." {
			sawProvenanceStep = true
		}
	}
	if !sawProvenanceStep {
		t.Error("expected the provenance step after fetching documents")
	}
	last := events[len(events)-1]
	for i, doc := range last.Result.Documents {
		if doc.Provenance == nil || *doc.Provenance != 0.4 {
			t.Errorf("documents[%d].Provenance = %v, expected 0.4", i, doc.Provenance)
		}
	}
}

func TestChatStreamProvenanceSkippedWithoutDocs(t *testing.T) {
	chat := &routedChat{routes: map[string]string{"Initial:": "answer"}}
	store := &recordingStore{} // empty store: retrieval returns nothing
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodLLM)

	events := collect(t, o.ChatStream(context.Background(), testSnapshot(nil), "question?", nil, nil))
	for _, ev := range events {
		if ev.Kind == EventStep && strings.HasPrefix(ev.Step, "Computing provenance") {
			t.Error("provenance step must not fire when no documents were fetched")
		}
		if ev.Kind == EventError {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
}

func TestChatStreamErrorReplacesDone(t *testing.T) {
	chat := &failingChat{}
	store := &recordingStore{docs: sampleDocs()}
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodNone)

	events := collect(t, o.ChatStream(context.Background(), testSnapshot(nil), "question?", nil, nil))
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("last event = %s, expected error", last.Kind)
	}
	if last.Err == nil {
		t.Error("error event must carry the error")
	}
	for _, ev := range events {
		if ev.Kind == EventDone {
			t.Error("done must not follow an error")
		}
	}
}

func TestChatStreamCancellationStopsProducer(t *testing.T) {
	chat := &routedChat{routes: map[string]string{"Initial:": "answer tokens here"}}
	store := &recordingStore{docs: sampleDocs()}
	o := newTestOrchestrator(chat, store, &textEmbedder{}, provenance.MethodNone)

	ctx, cancel := context.WithCancel(context.Background())
	events := o.ChatStream(ctx, testSnapshot(nil), "question?", nil, nil)
	cancel()

	// The channel must close even though nothing drains the buffer.
	for range events {
	}
}
