package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/muesli/termenv"

	"github.com/machinecore/machine/internal/agents"
	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/engine"
	"github.com/machinecore/machine/internal/errs"
	"github.com/machinecore/machine/internal/present"
	"github.com/machinecore/machine/internal/proto"
)

func (rt *runtime) runQuery(ctx context.Context, task string) error {
	cfg := &rt.cfg

	store, err := openConversationStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	pl, err := planConversation(cfg, store.DB)
	if err != nil {
		return err
	}
	cfg.API = pl.API
	cfg.Model = pl.Model

	var history []proto.Message
	if pl.ReadID != "" {
		history, err = readConversation(store, pl.ReadID)
		if err != nil {
			return err
		}
	}

	agent, err := agents.NewRunner(cfg, nil).Build(ctx, cfg.Profile)
	if err != nil {
		return err
	}

	stream := agent.Engine.Resume(ctx, history, task)
	defer stream.Close()

	out := newRunPrinter(cfg)
	rec := newTranscript(history, task)

	var final string
	done := false
	for ev := range stream.All() {
		switch ev.Type {
		case engine.EventTextDelta:
			out.delta(ev.Text)
		case engine.EventToolCallStarted:
			out.toolStarted(ev)
			rec.toolStarted(ev)
		case engine.EventToolCallResult:
			out.toolResult(ev)
			rec.toolResult(ev)
		case engine.EventToolCallError:
			out.toolError(ev)
			rec.toolError(ev)
		case engine.EventFinalResult:
			final = ev.Text
			done = true
		case engine.EventRunError:
			return errs.Error{
				Err:    &engine.Error{Kind: ev.Kind, Message: ev.Err},
				Reason: reasonForKind(ev.Kind),
			}
		}
	}

	if !done {
		if ctx.Err() != nil {
			return errs.Error{Err: ctx.Err(), Reason: "The run was interrupted."}
		}
		return errs.Error{Reason: "The run ended without a result."}
	}

	out.finish(final)
	rec.final(final)

	if cfg.CopyToClipboard {
		_ = clipboard.WriteAll(final)
		termenv.Copy(final)
	}

	return saveConversation(cfg, store, pl, task, rec.messages())
}

func reasonForKind(kind engine.ErrorKind) string {
	switch kind {
	case engine.ErrInvalidTask:
		return "The task is empty."
	case engine.ErrTimeout:
		return "The run timed out."
	case engine.ErrIterationLimit:
		return "The run hit its iteration limit without a final answer."
	case engine.ErrModel:
		return "The model request failed."
	case engine.ErrRetriesExhausted, engine.ErrToolExecution,
		engine.ErrUnknownTool, engine.ErrInvalidArguments:
		return "A tool call failed."
	default:
		return "The run failed."
	}
}

// runPrinter renders run events to the terminal. Text deltas stream to
// stdout as they arrive unless stdout is a TTY in markdown mode, in which
// case the final answer is rendered once, at the end. Tool activity goes to
// stderr so pipes only carry the answer.
type runPrinter struct {
	cfg      *config.Config
	markdown bool
	printed  bool
}

func newRunPrinter(cfg *config.Config) *runPrinter {
	return &runPrinter{
		cfg:      cfg,
		markdown: present.IsOutputTTY() && !cfg.Raw,
	}
}

func (p *runPrinter) delta(text string) {
	if p.markdown {
		return
	}
	fmt.Print(text)
	p.printed = true
}

func (p *runPrinter) finish(final string) {
	if p.markdown {
		if rendered, err := present.RenderMarkdown(final, p.cfg.WordWrap); err == nil {
			fmt.Print(rendered)
			return
		}
		fmt.Println(final)
		return
	}
	if p.printed {
		fmt.Println()
	} else if final != "" {
		fmt.Println(final)
	}
}

func (p *runPrinter) toolStarted(ev engine.Event) {
	if p.cfg.Quiet {
		return
	}
	styles := present.StderrStyles()
	args := compactArgs(ev.Args)
	fmt.Fprintln(os.Stderr, styles.Tool.Render("• "+ev.Tool), styles.Comment.Render(args))
}

func (p *runPrinter) toolResult(ev engine.Event) {
	if p.cfg.Quiet {
		return
	}
	styles := present.StderrStyles()
	fmt.Fprintln(os.Stderr, styles.Comment.Render("  done ("+ev.Tool+")"))
}

func (p *runPrinter) toolError(ev engine.Event) {
	if p.cfg.Quiet {
		return
	}
	styles := present.StderrStyles()
	fmt.Fprintln(os.Stderr, styles.ToolError.Render("  "+string(ev.Kind)+": "+ev.Err))
}

func compactArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	const maxLen = 80
	s := string(raw)
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}

// transcript rebuilds the conversation out of the event stream so it can be
// saved and continued later.
type transcript struct {
	history []proto.Message
	turns   []proto.Message
	task    string
	answer  string
}

func newTranscript(history []proto.Message, task string) *transcript {
	return &transcript{history: history, task: task}
}

func (t *transcript) toolStarted(ev engine.Event) {
	t.turns = append(t.turns, proto.Message{
		Role: proto.RoleAssistant,
		ToolCalls: []proto.ToolCall{{
			ID:       ev.CallID,
			Function: proto.Function{Name: ev.Tool, Arguments: ev.Args},
		}},
	})
}

func (t *transcript) toolResult(ev engine.Event) {
	t.turns = append(t.turns, proto.Message{
		Role:    proto.RoleTool,
		Content: ev.Text,
		ToolCalls: []proto.ToolCall{{
			ID:       ev.CallID,
			Function: proto.Function{Name: ev.Tool},
		}},
	})
}

func (t *transcript) toolError(ev engine.Event) {
	t.turns = append(t.turns, proto.Message{
		Role:    proto.RoleTool,
		Content: ev.Err,
		ToolCalls: []proto.ToolCall{{
			ID:       ev.CallID,
			Function: proto.Function{Name: ev.Tool},
			IsError:  true,
		}},
	})
}

func (t *transcript) final(answer string) {
	t.answer = answer
}

func (t *transcript) messages() []proto.Message {
	msgs := make([]proto.Message, 0, len(t.history)+len(t.turns)+2)
	msgs = append(msgs, t.history...)
	msgs = append(msgs, proto.Message{Role: proto.RoleUser, Content: t.task})
	msgs = append(msgs, t.turns...)
	msgs = append(msgs, proto.Message{Role: proto.RoleAssistant, Content: t.answer})
	return msgs
}
