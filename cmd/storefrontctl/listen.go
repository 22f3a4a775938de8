package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/R3E-Network/storefront_transport/storefront/realtime"
)

// runListen opens a realtime session, prints inbound messages and sends each stdin
// line as a user message. It ends on interrupt, or linger after stdin is exhausted.
func (e *environment) runListen(args []string) error {
	var linger, wait time.Duration
	flags := pflag.NewFlagSet("listen", pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	flags.DurationVar(&linger, "linger", 2*time.Second, "keep listening this long after stdin closes; 0 waits for interrupt")
	flags.DurationVar(&wait, "wait", 15*time.Second, "how long to wait for the first connection")
	if err := flags.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if flags.NArg() != 1 {
		return usageError("listen takes exactly one identity")
	}
	if e.cfg.Realtime.URLTemplate == "" {
		return usageError("realtime.url_template is not configured")
	}

	connected := make(chan struct{})
	var connectedOnce sync.Once
	mcfg := e.cfg.ManagerConfig(e.creds, e.log)
	mcfg.OnStateChange = func(from, to realtime.State) {
		if to == realtime.StateConnected {
			connectedOnce.Do(func() { close(connected) })
		}
		e.log.WithFields(map[string]interface{}{"from": from.String(), "to": to.String()}).Info("realtime state")
	}

	manager, err := realtime.NewManager(realtime.NewWebSocketTransport(e.cfg.WebSocketConfig(e.log)), mcfg)
	if err != nil {
		return usageError("%v", err)
	}
	defer manager.Close()

	var out sync.Mutex
	sub := manager.Subscribe(func(msg realtime.Message) {
		out.Lock()
		defer out.Unlock()
		fmt.Fprintf(e.stdout, "%s [%s] %s\n", msg.Time().Format(time.TimeOnly), msg.Kind, msg.Text)
	}, func(err error) {
		out.Lock()
		defer out.Unlock()
		fmt.Fprintf(e.stderr, "realtime error: %v\n", err)
	})
	defer sub.Cancel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Open(flags.Arg(0))
	select {
	case <-connected:
	case <-time.After(wait):
		return &exitError{code: exitNetwork, err: fmt.Errorf("no realtime connection after %s (state %s)", wait, manager.State())}
	case <-ctx.Done():
		return nil
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(e.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return e.linger(ctx, linger)
			}
			if text := strings.TrimSpace(line); text != "" {
				manager.Send(text)
			}
		}
	}
}

func (e *environment) linger(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	return nil
}
