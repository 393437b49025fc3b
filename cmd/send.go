package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"orion/pkg/client"
	"orion/pkg/envelope"
	"orion/pkg/transport/telegram"
)

const maxPollWait = 25 * time.Second

var (
	promptText   string
	sendTo       string
	sendFrom     string
	sendType     string
	sendPriority string
	sendRequest  bool
	sendRawJSON  bool
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send an envelope, or open an interactive console",
	Long: "Sends one envelope to an agent through the gateway. With --request it waits for the correlated response. " +
		"Without text it opens an interactive console that sends every line as a request and prints the reply.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		session, err := newConsole(c, cmd.OutOrStdout())
		if err != nil {
			return err
		}

		prompt := resolvePrompt(args)
		if prompt == "" {
			return session.interactive(cmd.Context())
		}

		reply, err := session.send(cmd.Context(), prompt, sendRequest)
		if err != nil {
			return err
		}
		if reply == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", session.to)
			return nil
		}
		session.print(reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addGatewayFlag(sendCmd.Flags())

	flags := sendCmd.Flags()
	flags.StringVarP(&promptText, "message", "m", "", "text to send")
	flags.StringVarP(&sendTo, "to", "t", "", "target agent id (empty broadcasts)")
	flags.StringVar(&sendFrom, "from", "", "sender id and reply mailbox (default: a generated cli-* id)")
	flags.StringVar(&sendType, "type", string(envelope.TypeAgentCommunication), "message type")
	flags.StringVar(&sendPriority, "priority", string(envelope.PriorityNormal), "low, normal, high or critical")
	flags.BoolVarP(&sendRequest, "request", "r", false, "wait for the correlated response")
	flags.BoolVar(&sendRawJSON, "json", false, "send the text as a JSON payload instead of a string")
	flags.DurationVar(&sendTimeout, "timeout", 30*time.Second, "how long to wait for a response")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	value := strings.TrimSpace(strings.Join(args, " "))
	if value == "" {
		return ""
	}

	return value
}

// console sends envelopes as one sender and reads replies from that
// sender's polling mailbox.
type console struct {
	client   *client.Client
	out      io.Writer
	from     string
	to       string
	msgType  envelope.MessageType
	priority envelope.Priority
	rawJSON  bool
	timeout  time.Duration
}

func newConsole(c *client.Client, out io.Writer) (*console, error) {
	msgType, err := envelope.ParseMessageType(sendType)
	if err != nil {
		return nil, err
	}
	priority, err := envelope.ParsePriority(sendPriority)
	if err != nil {
		return nil, err
	}

	from := strings.TrimSpace(sendFrom)
	if from == "" {
		from = "cli-" + uuid.NewString()[:8]
	}

	return &console{
		client:   c,
		out:      out,
		from:     from,
		to:       strings.TrimSpace(sendTo),
		msgType:  msgType,
		priority: priority,
		rawJSON:  sendRawJSON,
		timeout:  sendTimeout,
	}, nil
}

// send publishes text and, when wait is set, blocks until the response with
// the same correlation id arrives or the timeout passes.
func (c *console) send(ctx context.Context, text string, wait bool) (*envelope.Message, error) {
	content, err := messageContent(text, c.rawJSON)
	if err != nil {
		return nil, err
	}

	correlation := envelope.NewID()
	msg, err := envelope.New(c.msgType, c.from, content,
		envelope.WithTarget(c.to),
		envelope.WithPriority(c.priority),
		envelope.WithCorrelationID(correlation),
	)
	if err != nil {
		return nil, err
	}

	// The gateway only accepts envelopes from senders holding a mailbox, and
	// the reply must not arrive before the mailbox exists.
	stray, err := c.client.Poll(ctx, c.from, 0)
	if err != nil {
		return nil, fmt.Errorf("open reply mailbox: %w", err)
	}
	c.printOthers(stray, "")

	if err := c.client.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	if !wait {
		return nil, nil
	}

	return c.await(ctx, correlation)
}

func (c *console) await(ctx context.Context, correlation string) (*envelope.Message, error) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		deadline, _ := ctx.Deadline()
		wait := min(time.Until(deadline), maxPollWait)
		if wait <= 0 {
			return nil, fmt.Errorf("no response within %s", timeout)
		}

		batch, err := c.client.Poll(ctx, c.from, wait)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("no response within %s", timeout)
			}
			return nil, err
		}

		for _, msg := range batch {
			if msg.CorrelationID == correlation && msg.IsResponse() {
				c.printOthers(batch, correlation)
				return msg, nil
			}
		}
		c.printOthers(batch, correlation)
	}
}

// printOthers shows messages that are not the awaited response.
func (c *console) printOthers(batch []*envelope.Message, correlation string) {
	for _, msg := range batch {
		if correlation != "" && msg.CorrelationID == correlation && msg.IsResponse() {
			continue
		}
		fmt.Fprintf(c.out, "[%s from %s] %s\n", msg.Type, orDash(msg.SenderID), telegram.ResponseText(msg))
	}
}

func (c *console) print(msg *envelope.Message) {
	printAssistantMessage(c.out, msg.SenderID, telegram.ResponseText(msg))
}

func (c *console) interactive(ctx context.Context) error {
	if c.to == "" {
		return errors.New("--to is required for the interactive console")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.to + "> ",
		HistoryFile:     historyFile(),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(c.out, "Talking to %s as %s. Type exit to leave.\n", c.to, c.from)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		prompt := strings.TrimSpace(line)
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return nil
		}

		reply, err := c.send(ctx, prompt, true)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			continue
		}
		c.print(reply)
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".orion_history")
}

// messageContent turns console text into an envelope payload.
func messageContent(text string, rawJSON bool) (any, error) {
	if !rawJSON {
		return text, nil
	}
	if !json.Valid([]byte(text)) {
		return nil, errors.New("--json payload is not valid JSON")
	}
	return json.RawMessage(text), nil
}

func printAssistantMessage(w io.Writer, sender string, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(w, "%s: %s\n", sender, line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(w)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
