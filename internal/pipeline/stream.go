package pipeline

import (
	"context"

	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// EventKind discriminates the streaming event union.
type EventKind string

const (
	EventStep      EventKind = "step"
	EventDocuments EventKind = "documents"
	EventToken     EventKind = "token"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
)

// Event is one item of a chat stream. Exactly one payload field is set,
// matching Kind. The sequence for a successful run is: zero or more step
// events, at most one documents event, zero or more token events, then done.
// An error event terminates the stream instead of done.
type Event struct {
	Kind      EventKind
	Step      string
	Documents []retriever.Document
	Token     string
	Result    *Result
	Err       error
}

// streamBuffer decouples the producing pipeline from the consuming
// transport.
const streamBuffer = 16

// ChatStream runs the pipeline like Chat but publishes progress as it goes.
// The channel is closed after the terminal done or error event. Cancelling
// ctx stops the producer; events not yet consumed are dropped with it.
func (o *Orchestrator) ChatStream(ctx context.Context, snap *config.Snapshot, prompt string, history []llm.Message, datasets []string) <-chan Event {
	events := make(chan Event, streamBuffer)

	send := func(ev Event) {
		select {
		case <-ctx.Done():
		case events <- ev:
		}
	}

	go func() {
		defer close(events)

		result, err := o.run(ctx, snap, prompt, history, datasets,
			func(label string) { send(Event{Kind: EventStep, Step: label}) },
			func(docs []retriever.Document) { send(Event{Kind: EventDocuments, Documents: docs}) },
			func(token string) { send(Event{Kind: EventToken, Token: token}) },
		)
		if err != nil {
			send(Event{Kind: EventError, Err: err})
			return
		}
		send(Event{Kind: EventDone, Result: result})
	}()

	return events
}
