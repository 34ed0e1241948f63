package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-amted/client"
	"github.com/fzft/go-amted/config"
	"github.com/fzft/go-amted/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const (
	CliHisFileEnv     = "AMTED_CLI_HISTFILE"
	CliHisFileDefault = ".amted_history"
)

type cli struct {
	host    string
	port    int
	timeout time.Duration
	out     io.Writer
}

func newCliCommand() *cobra.Command {
	c := &cli{}
	defaults := config.Default()

	command := &cobra.Command{
		Use:   "cli [IP Address] [Port]",
		Short: "Fetch files from a running server, one path per line",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.host, c.port = defaults.Address, defaults.Port
			if len(args) > 0 {
				c.host = args[0]
			}
			if len(args) > 1 {
				port, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[1], err)
				}
				c.port = port
			}
			c.out = cmd.OutOrStdout()

			in := cmd.InOrStdin()
			if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				return c.repl(cmd.Context())
			}
			return c.batch(cmd.Context(), in)
		},
	}
	command.Flags().DurationVar(&c.timeout, "timeout", 10*time.Second, "per request timeout")
	return command
}

func (c *cli) addr() string {
	return client.Addr(c.host, c.port)
}

func (c *cli) prompt() string {
	return c.addr() + "> "
}

// repl runs the interactive loop with line editing and history.
func (c *cli) repl(ctx context.Context) error {
	line := linenoise.New(c.out)
	defer line.Close()

	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	for {
		input, err := line.Prompt(c.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.EqualFold(input, "clear") {
			_ = line.ClearScreen()
			continue
		}
		if quit := c.dispatch(ctx, input); quit {
			break
		}
	}

	if historyFile != "" {
		_ = line.HistorySave(historyFile)
	}
	return nil
}

// batch reads commands from a non terminal input until EOF.
func (c *cli) batch(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if quit := c.dispatch(ctx, input); quit {
			return nil
		}
	}
	return scanner.Err()
}

// dispatch runs one command line and reports whether the loop should end.
// Anything that is not a builtin is a path to fetch.
func (c *cli) dispatch(ctx context.Context, input string) bool {
	argv := strings.Fields(input)
	switch strings.ToLower(argv[0]) {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(c.out, "<path>               fetch a file from the server")
		fmt.Fprintln(c.out, "connect <ip> <port>  switch to another server")
		fmt.Fprintln(c.out, "clear                clear the screen")
		fmt.Fprintln(c.out, "quit                 leave")
		return false
	case "connect":
		if len(argv) != 3 {
			fmt.Fprintln(c.out, "(error) usage: connect <ip> <port>")
			return false
		}
		port, err := strconv.Atoi(argv[2])
		if err != nil {
			fmt.Fprintf(c.out, "(error) invalid port %q\n", argv[2])
			return false
		}
		c.host, c.port = argv[1], port
		return false
	case "clear":
		return false
	}

	c.fetch(ctx, input)
	return false
}

func (c *cli) fetch(ctx context.Context, path string) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := client.Fetch(reqCtx, c.addr(), path)
	if err != nil {
		fmt.Fprintf(c.out, "(error) %s\n", err)
		return
	}
	if len(data) == 0 {
		fmt.Fprintln(c.out, "(empty)")
		return
	}
	c.out.Write(data)
	if data[len(data)-1] != '\n' {
		fmt.Fprintln(c.out)
	}
}

// getDotfilePath returns the file named by envOverride, or dotFilename in
// $HOME. "/dev/null" disables the file.
func getDotfilePath(envOverride, dotFilename string) string {
	var dotPath string

	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		dotPath = path
	} else {
		home := os.Getenv("HOME")
		if home != "" {
			dotPath = fmt.Sprintf("%s/%s", home, dotFilename)
		}
	}
	return dotPath
}
