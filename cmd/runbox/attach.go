package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/session"
)

var (
	urlFlag      string
	languageFlag string
)

var attachCmd = &cobra.Command{
	Use:   "attach <file>",
	Short: "Run a source file on a runbox server and interact with it",
	Long: `Connect to a runbox server, run the given file and stream its output.
Lines typed at the prompt are sent to the program's stdin.

Examples:
  runbox attach hello.py
  runbox attach Main.java --url ws://build-box:3001/ws`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&urlFlag, "url", "ws://localhost:3001/ws", "Server WebSocket URL")
	attachCmd.Flags().StringVar(&languageFlag, "language", "", "Language (default: from the file extension)")
	rootCmd.AddCommand(attachCmd)
}

type runMessage struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	Input    string `json:"input,omitempty"`
}

// attachClient owns the write side of the connection.
type attachClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
	path string
	lang string
}

func (c *attachClient) send(m runMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *attachClient) run() error {
	code, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.path, err)
	}
	return c.send(runMessage{Type: "run", Language: c.lang, Code: string(code)})
}

// detectLanguage picks the configured language whose source file shares the extension of path.
func detectLanguage(cfg *config.Config, path string) (string, error) {
	langs, err := engine.LoadLanguages(cfg)
	if err != nil {
		return "", err
	}
	spec, ok := langs.ForFile(path)
	if !ok {
		return "", fmt.Errorf("cannot tell the language of %s, use --language", path)
	}
	return spec.Name, nil
}

func runAttach(cmd *cobra.Command, args []string) error {
	path := args[0]

	lang := languageFlag
	if lang == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if lang, err = detectLanguage(cfg, path); err != nil {
			return err
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(urlFlag, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", urlFlag, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mstdin>\033[0m ",
		HistoryFile:     "/tmp/runbox_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	client := &attachClient{conn: conn, path: path, lang: lang}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		printEvents(conn, rl.Stdout(), rl.Stderr())
	}()

	if err := client.run(); err != nil {
		return err
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				client.send(runMessage{Type: "stop"})
				return nil
			}
			return err
		}

		select {
		case <-closed:
			return errors.New("server closed the connection")
		default:
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleAttachCommand(client, strings.TrimSpace(line), rl.Stdout()); quit {
				return nil
			}
			continue
		}

		if err := client.send(runMessage{Type: "input", Input: line}); err != nil {
			return fmt.Errorf("sending input: %w", err)
		}
	}
}

func handleAttachCommand(c *attachClient, input string, out io.Writer) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		c.send(runMessage{Type: "stop"})
		return true
	case "/stop":
		if err := c.send(runMessage{Type: "stop"}); err != nil {
			fmt.Fprintf(out, "\033[31merror: %s\033[0m\n", err)
		}
	case "/run":
		if err := c.run(); err != nil {
			fmt.Fprintf(out, "\033[31merror: %s\033[0m\n", err)
		}
	case "/help":
		fmt.Fprintln(out, "Commands:")
		fmt.Fprintln(out, "  /run   - Re-read the file and run it again")
		fmt.Fprintln(out, "  /stop  - Stop the running program")
		fmt.Fprintln(out, "  /help  - Show this help")
		fmt.Fprintln(out, "  /quit  - Exit")
		fmt.Fprintln(out, "Any other line is sent to the program's stdin.")
	default:
		fmt.Fprintf(out, "Unknown command: %s (try /help)\n", input)
	}
	return false
}

// printEvents renders server events until the connection closes.
func printEvents(conn *websocket.Conn, stdout, stderr io.Writer) {
	for {
		var e session.Event
		if err := conn.ReadJSON(&e); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintf(stderr, "\033[31mconnection closed: %s\033[0m\n", err)
			}
			return
		}

		switch e.Type {
		case session.EventConnected:
			fmt.Fprintf(stdout, "\033[90mconnected as %s\033[0m\n", e.SessionID)
		case session.EventStarted:
			fmt.Fprintln(stdout, "\033[90m--- started ---\033[0m")
		case session.EventOutput:
			fmt.Fprint(stdout, e.Data)
		case session.EventError:
			if e.Data != "" {
				fmt.Fprintf(stderr, "\033[31m%s\033[0m", e.Data)
			} else {
				fmt.Fprintf(stderr, "\033[31merror: %s\033[0m\n", e.Message)
			}
		case session.EventTerminated:
			code := -1
			if e.ExitCode != nil {
				code = *e.ExitCode
			}
			fmt.Fprintf(stdout, "\033[90m--- exited with code %d (/run to run again) ---\033[0m\n", code)
		case session.EventStopped:
			fmt.Fprintf(stdout, "\033[90m--- %s ---\033[0m\n", e.Message)
		}
	}
}
