package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/rpc"
	"github.com/jbctechsolutions/codexmonitor/internal/presentation/cli/output"
)

const consoleDialTimeout = 5 * time.Second

// NewConsoleCmd creates the console command.
func NewConsoleCmd(flags *GlobalFlags) *cobra.Command {
	var (
		addr  string
		token string
	)

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive protocol console for a running daemon",
		Long: `Connect to a running daemon, authenticate, and send requests typed as

  method [json-params]

for example:

  list_workspaces
  add_workspace {"path": "/src/app"}

Responses and notifications are printed as they arrive. Type .quit or
press Ctrl-D to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, flags, addr, token)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: server.listen_addr from config)")
	cmd.Flags().StringVar(&token, "token", "", "shared token (default: server.token from config)")

	return cmd
}

func runConsole(cmd *cobra.Command, flags *GlobalFlags, addr, token string) error {
	if addr == "" || token == "" {
		cfg, err := flags.loadConfig()
		if err != nil {
			return err
		}
		if addr == "" {
			addr = cfg.Server.ListenAddr
		}
		if token == "" {
			token = cfg.Server.Token
		}
	}
	if token == "" {
		return errors.New("no token: pass --token or run `codexmonitord init`")
	}

	dialer := net.Dialer{Timeout: consoleDialTimeout}
	nc, err := dialer.DialContext(cmd.Context(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer nc.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "codex> ",
		AutoComplete:    methodCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	formatter := flags.formatter(cmd)
	formatter.SetWriter(rl.Stdout())

	c := &consoleClient{nc: nc}
	done := make(chan error, 1)
	go func() { done <- c.printLoop(formatter) }()

	if err := c.send("auth", mustJSON(rpc.AuthParams{Token: token})); err != nil {
		return err
	}
	formatter.Info("Connected to %s", addr)

	stop := context.AfterFunc(cmd.Context(), func() { rl.Close() })
	defer stop()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			break
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case ".quit", ".exit":
			return nil
		}

		method, params, err := parseConsoleLine(line)
		if err != nil {
			formatter.Error("%s", err.Error())
			continue
		}
		if err := c.send(method, params); err != nil {
			return err
		}

		select {
		case err := <-done:
			return err
		default:
		}
	}
	return nil
}

// parseConsoleLine splits "method [json]" into its parts. The params must
// be valid JSON when present.
func parseConsoleLine(line string) (string, json.RawMessage, error) {
	method, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if _, ok := rpc.ParseMethod(method); !ok {
		return "", nil, fmt.Errorf("unknown method %q", method)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return method, nil, nil
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, fmt.Errorf("params are not valid JSON: %s", rest)
	}
	return method, json.RawMessage(rest), nil
}

func methodCompleter() *readline.PrefixCompleter {
	methods := rpc.Methods()
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })

	items := make([]readline.PrefixCompleterInterface, 0, len(methods)+2)
	for _, m := range methods {
		items = append(items, readline.PcItem(string(m)))
	}
	items = append(items, readline.PcItem(".quit"), readline.PcItem(".exit"))
	return readline.NewPrefixCompleter(items...)
}

// consoleClient writes numbered requests to the daemon.
type consoleClient struct {
	nc     net.Conn
	nextID atomic.Int64
}

func (c *consoleClient) send(method string, params json.RawMessage) error {
	id := c.nextID.Add(1)
	line, err := rpc.Encode(rpc.Request{
		ID:     json.RawMessage(strconv.FormatInt(id, 10)),
		Method: method,
		Params: params,
	})
	if err != nil {
		return err
	}
	if _, err := c.nc.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// printLoop prints every line from the daemon until the connection closes.
func (c *consoleClient) printLoop(formatter *output.Formatter) error {
	r := bufio.NewReader(c.nc)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			formatter.Message(line)
		}
		if errors.Is(err, io.EOF) {
			formatter.Warning("connection closed by daemon")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
