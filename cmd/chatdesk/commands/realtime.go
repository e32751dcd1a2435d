package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/chatdesk/internal/realtime"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "stream realtime events as JSON lines until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "join",
				Usage: "conversation to join (repeatable)",
			},
			&cli.StringFlag{
				Name:  "metrics--address",
				Usage: "serve /metrics and /healthz on this address",
			},
		},
		Action: watchAction,
	}
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	printer := newEventPrinter(cmd.Root().Writer)
	bus := application.Channel().Bus()
	for _, event := range realtime.InboundEvents {
		defer bus.On(event, printer.handler(event))()
	}

	return application.Watch(ctx, cmd.StringSlice("join"))
}

// eventPrinter writes one JSON object per event.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) handler(event string) realtime.Handler {
	return func(_ context.Context, payload json.RawMessage) {
		line := struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data,omitempty"`
		}{event, payload}

		p.mu.Lock()
		defer p.mu.Unlock()
		_ = p.enc.Encode(line)
	}
}

func presenceCommand() *cli.Command {
	return &cli.Command{
		Name:      "presence",
		Usage:     "announce operator availability",
		ArgsUsage: "online|offline|busy",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("usage: chatdesk presence online|offline|busy")
			}

			application, cleanup, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := application.Connect(ctx); err != nil {
				return err
			}
			return application.Channel().UpdateOperatorStatus(realtime.OperatorStatus(cmd.Args().First()))
		},
	}
}

func typingCommand() *cli.Command {
	return &cli.Command{
		Name:      "typing",
		Usage:     "relay typing activity for a conversation; each stdin line counts as a keystroke",
		ArgsUsage: "CONVERSATION",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("usage: chatdesk typing CONVERSATION")
			}
			conversationID := cmd.Args().First()

			application, cleanup, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := application.Connect(ctx); err != nil {
				return err
			}

			indicator := realtime.NewTypingIndicator(application.Channel(), conversationID)
			defer indicator.Stop()

			lines := make(chan struct{})
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					select {
					case lines <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}()

			for {
				select {
				case _, ok := <-lines:
					if !ok {
						return nil
					}
					indicator.Start()
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}
