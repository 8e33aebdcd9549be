package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/chatrelay/internal/gateway"
	"github.com/danmuck/chatrelay/internal/logging"
	"github.com/danmuck/chatrelay/internal/protocol/link"
	"github.com/rs/zerolog/log"
)

const usage = `commands:
  <sender>: <text>   deliver a live message from sender
  /history <sender>: <text>
                     deliver a history-sync message (the relay ignores it)
  /logout            close the session as logged out
  /restart           close the session with restart required
  /drop              drop the connection without a close update
  /quit              stop the simulator`

func main() {
	listen := flag.String("listen", gateway.DefaultConfig().ListenAddr, "address to accept relay connections on")
	pairingCode := flag.String("pairing-code", "", "fixed pairing code offered to new clients")
	flag.Parse()

	logging.ConfigureRuntime("gatewaysim")

	cfg := gateway.DefaultConfig()
	cfg.ListenAddr = *listen
	cfg.PairingCode = *pairingCode
	gw := gateway.New(cfg)

	ln, err := gw.Listen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewaysim: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- gw.Serve(ctx, ln) }()
	go printSent(ctx, gw, os.Stdout)
	go func() {
		runPrompt(gw, os.Stdin, os.Stdout)
		stop()
	}()

	fmt.Println(usage)
	if err := <-served; err != nil {
		fmt.Fprintf(os.Stderr, "gatewaysim: %v\n", err)
		os.Exit(1)
	}
}

func printSent(ctx context.Context, gw *gateway.Gateway, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-gw.Sent():
			fmt.Fprintf(out, "-> %s: %s\n", msg.Recipient, msg.Text)
		}
	}
}

// runPrompt reads commands until /quit or EOF.
func runPrompt(gw *gateway.Gateway, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := execute(gw, line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func execute(gw *gateway.Gateway, line string) error {
	switch line {
	case "/logout":
		return gw.Close(gateway.CodeLoggedOut, "logged out from gatewaysim")
	case "/restart":
		return gw.Close(gateway.CodeRestartRequired, "restart requested from gatewaysim")
	case "/drop":
		return gw.Drop()
	}

	upsertType := link.UpsertNotify
	if rest, ok := strings.CutPrefix(line, "/history "); ok {
		upsertType = link.UpsertAppend
		line = rest
	} else if strings.HasPrefix(line, "/") {
		return fmt.Errorf("unknown command %q", line)
	}

	msg, err := parseMessage(line)
	if err != nil {
		return err
	}
	log.Debug().Str("sender", msg.Sender).Str("type", upsertType).Msg("gatewaysim.execute push")
	return gw.PushMessages(upsertType, msg)
}

func parseMessage(line string) (link.Message, error) {
	sender, text, ok := strings.Cut(line, ":")
	sender = strings.TrimSpace(sender)
	text = strings.TrimSpace(text)
	if !ok || sender == "" || text == "" {
		return link.Message{}, fmt.Errorf("expected <sender>: <text>, got %q", line)
	}
	return link.Message{Sender: sender, Text: text}, nil
}
