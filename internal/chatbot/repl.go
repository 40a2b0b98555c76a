package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"JobChat/internal/jobclient"
	"JobChat/internal/session"
)

var (
	userLabel    = color.New(color.FgGreen, color.Bold)
	botLabel     = color.New(color.FgCyan, color.Bold)
	errorText    = color.New(color.FgRed)
	statusText   = color.New(color.FgYellow)
	headingColor = color.New(color.Bold)
)

// Run reads questions and commands line by line until /quit, end of input
// or ctx is cancelled.
func (cb *ChatBot) Run(ctx context.Context) error {
	id, _, _ := cb.sessionInfo()

	headingColor.Fprintln(cb.out, "=== Job Chat ===")
	fmt.Fprintf(cb.out, "Session: %s\n", id)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, readErr := readLines(readCtx, cb.in)

	for {
		if ctx.Err() != nil {
			cb.logger.Info("interrupted, shutting down")
			fmt.Fprintln(cb.out, "Goodbye!")
			return nil
		}
		userLabel.Fprint(cb.out, "You: ")

		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(cb.out)
			cb.logger.Info("interrupted, shutting down")
			fmt.Fprintln(cb.out, "Goodbye!")
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				fmt.Fprintln(cb.out)
				fmt.Fprintln(cb.out, "Goodbye!")
				return nil
			}
			input = strings.TrimSpace(line)
		}

		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if cb.handleCommand(input) {
				fmt.Fprintln(cb.out, "Goodbye!")
				return nil
			}
			continue
		}

		reply, ok := cb.Send(ctx, input)
		if !ok {
			continue
		}
		cb.printReply(reply)
	}
}

// readLines feeds input lines to a channel so Run can also watch ctx.
// The error channel yields the scanner error once lines is closed.
func readLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(lines)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	return lines, errc
}

// handleCommand runs a slash command and reports whether the REPL should quit.
func (cb *ChatBot) handleCommand(input string) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/new-session":
		id := cb.NewSession()
		statusText.Fprintf(cb.out, "New session started: %s\n\n", id)
		return false

	case "/session":
		id, started, count := cb.sessionInfo()
		fmt.Fprintf(cb.out, "Session: %s\n", id)
		fmt.Fprintf(cb.out, "Started: %s\n", started.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(cb.out, "Messages: %d\n\n", count)
		return false

	case "/history":
		messages := cb.Messages()
		if len(messages) == 0 {
			fmt.Fprintln(cb.out, "No messages in this session yet.")
			return false
		}
		fmt.Fprintln(cb.out)
		for _, msg := range messages {
			cb.printMessage(msg)
		}
		fmt.Fprintln(cb.out)
		return false

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit    - Exit the chat")
		fmt.Fprintln(cb.out, "  /new-session    - Start a new chat session")
		fmt.Fprintln(cb.out, "  /session        - Show the current session")
		fmt.Fprintln(cb.out, "  /history        - Show this session's messages")
		fmt.Fprintln(cb.out, "  /help           - Show this help message")
		return false

	default:
		errorText.Fprintf(cb.out, "Unknown command: %s (type /help for commands)\n", cmd)
		return false
	}
}

func (cb *ChatBot) printReply(reply Reply) {
	botLabel.Fprint(cb.out, "Bot: ")
	if reply.Err != nil {
		errorText.Fprintln(cb.out, reply.Message.Content)
	} else {
		fmt.Fprintln(cb.out, reply.Message.Content)
	}
	fmt.Fprintln(cb.out)
}

func (cb *ChatBot) printMessage(msg session.Message) {
	switch msg.Role {
	case session.RoleUser:
		userLabel.Fprint(cb.out, "You: ")
	default:
		botLabel.Fprint(cb.out, "Bot: ")
	}
	fmt.Fprintln(cb.out, msg.Content)
}

// onProgress is handed to the job client and runs on the Send goroutine.
func (cb *ChatBot) onProgress(p jobclient.Progress) {
	cb.logger.Debug("job progress", "state", p.State.String(), "job_id", p.JobID, "attempt", p.Attempt)
	if p.State == jobclient.StatePolling && p.Attempt == 1 {
		statusText.Fprintln(cb.out, "Thinking...")
	}
}
