package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/regmon/internal/client"
	"github.com/danmuck/regmon/internal/logging"
	"golang.org/x/term"
)

const usage = "usage: regmonctl [-addr host:port] [-token T|-] read ADDR N | write ADDR WORD..."

var errUsage = errors.New(usage)

func main() {
	logging.ConfigureRuntime()
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("regmonctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:2222", "server address")
	token := fs.String("token", "", "32-character session token; - reads it from the terminal")
	timeout := fs.Duration("timeout", 2*time.Second, "per-request I/O timeout")
	attempts := fs.Int("attempts", client.DefaultRequestAttempts, "connect and request attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *token == "-" {
		tok, err := readToken(stdin, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "regmonctl: %v\n", err)
			return 1
		}
		*token = tok
	}

	cmd, err := parseCommand(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "regmonctl: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		Address:            *addr,
		Token:              *token,
		IOTimeout:          *timeout,
		MaxConnectAttempts: *attempts,
	})
	if err != nil {
		fmt.Fprintf(stderr, "regmonctl: %v\n", err)
		return 1
	}
	defer c.Close()

	if err := cmd.exec(c, stdout); err != nil {
		fmt.Fprintf(stderr, "regmonctl: %v\n", err)
		return 1
	}
	return 0
}

type command struct {
	op    string
	addr  uint32
	count int
	words []uint32
}

func parseCommand(args []string) (command, error) {
	if len(args) < 2 {
		return command{}, errUsage
	}
	addr, err := parseWord(args[1])
	if err != nil {
		return command{}, fmt.Errorf("address %q: %w", args[1], err)
	}
	cmd := command{op: strings.ToLower(args[0]), addr: addr}
	switch cmd.op {
	case "read":
		cmd.count = 1
		if len(args) > 3 {
			return command{}, errUsage
		}
		if len(args) == 3 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 0 {
				return command{}, fmt.Errorf("count %q: must be a non-negative integer", args[2])
			}
			cmd.count = n
		}
	case "write":
		if len(args) < 3 {
			return command{}, errUsage
		}
		for _, raw := range args[2:] {
			w, err := parseWord(raw)
			if err != nil {
				return command{}, fmt.Errorf("word %q: %w", raw, err)
			}
			cmd.words = append(cmd.words, w)
		}
	default:
		return command{}, errUsage
	}
	return cmd, nil
}

func parseWord(raw string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (cmd command) exec(c *client.Client, out io.Writer) error {
	switch cmd.op {
	case "read":
		words, err := c.ReadWords(cmd.addr, cmd.count)
		if err != nil {
			return err
		}
		for i, w := range words {
			fmt.Fprintf(out, "0x%08x 0x%08x\n", cmd.addr+uint32(i*4), w)
		}
		return nil
	default:
		if err := c.WriteWords(cmd.addr, cmd.words); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d word(s) at 0x%08x\n", len(cmd.words), cmd.addr)
		return nil
	}
}

// readToken prompts without echo when stdin is a terminal, else reads one line.
func readToken(stdin io.Reader, stderr io.Writer) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(stderr, "token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
