package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ZanzyTHEbar/hitl-chat/hitl/api"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal, approving sensitive actions inline",
		Long: `Starts an interactive chat. When the assistant wants to run a tool that needs
approval, the call is shown and you answer y or n.

Resuming a thread (--thread) that is waiting for approval asks for the
decision first.

Commands:
  /clear     forget this conversation
  /history   print the conversation so far
  exit, quit leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, e, closeEngine, err := bootstrap(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeEngine()

			thread := opts.threadID
			if thread == "" {
				thread = uuid.NewString()
			}
			return newREPL(e, thread, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
		},
	}
}

var (
	userLabel      = color.New(color.FgCyan, color.Bold)
	assistantLabel = color.New(color.FgGreen, color.Bold)
	approvalLabel  = color.New(color.FgYellow, color.Bold)
	errorLabel     = color.New(color.FgRed)
	dim            = color.New(color.Faint)
)

// repl is the terminal chat loop over one thread.
type repl struct {
	conv   api.Conversations
	thread string
	in     *bufio.Scanner
	out    io.Writer
}

func newREPL(conv api.Conversations, thread string, in io.Reader, out io.Writer) *repl {
	return &repl{conv: conv, thread: thread, in: bufio.NewScanner(in), out: out}
}

// Run reads messages until exit, quit or end of input.
func (r *repl) Run(ctx context.Context) error {
	dim.Fprintf(r.out, "Thread %s. Type exit or quit to leave, /clear to start over.\n", r.thread)

	if err := r.resume(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		r.printError(err)
	}

	for {
		userLabel.Fprint(r.out, "You: ")
		line, ok := r.readLine()
		if !ok {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(r.out, "Goodbye!")
			return nil
		case "/clear":
			if err := r.conv.ClearHistory(ctx, r.thread); err != nil {
				r.printError(err)
				continue
			}
			dim.Fprintln(r.out, "Conversation cleared.")
			continue
		case "/history":
			r.printHistory(ctx)
			continue
		}

		res, err := r.conv.SubmitMessage(ctx, r.thread, line)
		if err != nil {
			r.printError(err)
			continue
		}
		if err := r.settle(ctx, res); err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			r.printError(err)
		}
	}
}

// resume settles a thread left waiting for a decision by an earlier session.
func (r *repl) resume(ctx context.Context) error {
	state, err := r.conv.State(ctx, r.thread)
	if err != nil || state != engine.StateAwaitingApproval {
		return err
	}
	dim.Fprintln(r.out, "This thread has an action waiting for your decision.")
	for _, c := range r.lastRequestedCalls(ctx) {
		args, _ := json.Marshal(c.Arguments)
		dim.Fprintf(r.out, "  Requested: %s %s\n", c.Name, args)
	}
	return r.settle(ctx, &engine.Result{ThreadID: r.thread, Status: engine.StatusPendingApproval})
}

// lastRequestedCalls returns the calls of the most recent tool request.
func (r *repl) lastRequestedCalls(ctx context.Context) []engine.ToolCallView {
	turns, err := r.conv.History(ctx, r.thread)
	if err != nil {
		return nil
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Kind == engine.TurnToolRequest {
			return turns[i].ToolCalls
		}
	}
	return nil
}

// settle asks for decisions until the cycle is done.
func (r *repl) settle(ctx context.Context, res *engine.Result) error {
	for res.Status == engine.StatusPendingApproval {
		approved, err := r.askApproval(res.ToolCall)
		if err != nil {
			return err
		}
		res, err = r.conv.ResolveApproval(ctx, engine.ApprovalDecision{ThreadID: r.thread, Approved: approved})
		if err != nil {
			return err
		}
	}
	assistantLabel.Fprint(r.out, "Assistant: ")
	fmt.Fprintln(r.out, res.Response)
	return nil
}

func (r *repl) askApproval(call *engine.ToolCallView) (bool, error) {
	approvalLabel.Fprintln(r.out, "Approval required")
	if call != nil {
		args, _ := json.MarshalIndent(call.Arguments, "  ", "  ")
		fmt.Fprintf(r.out, "  Tool: %s\n  Arguments: %s\n", call.Name, args)
	}

	for {
		approvalLabel.Fprint(r.out, "Approve? (y/n): ")
		line, ok := r.readLine()
		if !ok {
			return false, io.EOF
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(r.out, "Please answer y or n.")
	}
}

func (r *repl) printHistory(ctx context.Context) {
	turns, err := r.conv.History(ctx, r.thread)
	if err != nil {
		r.printError(err)
		return
	}
	for _, t := range turns {
		switch t.Kind {
		case engine.TurnSystem, engine.TurnEmptyAnswer:
			continue
		case engine.TurnToolRequest:
			for _, c := range t.ToolCalls {
				dim.Fprintf(r.out, "[assistant requested %s]\n", c.Name)
			}
		case engine.TurnToolResult:
			dim.Fprintf(r.out, "[tool] %s\n", t.Content)
		default:
			fmt.Fprintf(r.out, "%s: %s\n", t.Role, t.Content)
		}
	}
}

func (r *repl) printError(err error) {
	errorLabel.Fprintf(r.out, "Error: %v\n", err)
}

func (r *repl) readLine() (string, bool) {
	if !r.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.in.Text()), true
}
