package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/roomsync/internal/backoff"
	"github.com/haasonsaas/roomsync/internal/config"
	"github.com/haasonsaas/roomsync/pkg/client"
	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// watchedEvents are the client events the watch command prints.
var watchedEvents = []string{
	protocol.EventJoined,
	protocol.EventConnected,
	protocol.EventDisconnected,
	protocol.EventLeftRoom,
	protocol.EventError,
	client.EventStateUpdated,
	client.EventUserUpdated,
	client.EventDisconnect,
}

// errDisconnected ends a watch session that the hub or network closed.
var errDisconnected = errors.New("disconnected")

// watchBatchInterval picks the client batch interval. An explicit
// --batch-interval wins, then sync.batch_interval from --config, then the
// flag default.
func watchBatchInterval(opts watchOptions, explicit bool) (time.Duration, error) {
	if explicit || opts.configPath == "" {
		return opts.interval, nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return 0, err
	}
	return cfg.Sync.BatchInterval, nil
}

// runWatch joins a room and prints events until interrupted. With --reconnect
// a dropped session is rejoined after an exponential backoff.
func runWatch(cmd *cobra.Command, opts watchOptions) error {
	payload, err := parsePayload(opts.payload)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	pretty := !opts.jsonOut && isTerminal(out)

	if !opts.reconnect {
		err := watchSession(ctx, opts, payload, out, pretty, nil)
		if errors.Is(err, errDisconnected) {
			return nil
		}
		return err
	}

	policy := backoff.DefaultPolicy()
	for {
		// A session that got into the room ends the retry loop so the attempt
		// budget starts over on the next drop.
		var joined bool
		attempts, err := backoff.Retry(ctx, policy, opts.maxAttempts, func(attempt int) error {
			if attempt > 1 {
				slog.Info("rejoining room", "room", opts.room, "attempt", attempt)
			}
			joined = false
			err := watchSession(ctx, opts, payload, out, pretty, func() { joined = true })
			if err != nil && joined {
				return backoff.Permanent(err)
			}
			return err
		})
		switch {
		case ctx.Err() != nil || err == nil:
			return nil
		case joined:
			if backoff.Sleep(ctx, policy.Delay(1)) != nil {
				return nil
			}
		default:
			return fmt.Errorf("watch gave up after %d attempts: %w", attempts, err)
		}
	}
}

// watchSession runs one connect, join and print cycle. It returns nil once ctx
// is done and errDisconnected when the connection drops.
func watchSession(ctx context.Context, opts watchOptions, payload map[string]any, out io.Writer, pretty bool, onJoin func()) error {
	c := client.New(opts.url, client.Options{
		HandleState:   true,
		BatchInterval: opts.interval,
		Logger:        slog.Default(),
	})

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	events := make(chan client.Event, 256)
	for _, name := range watchedEvents {
		ch, unsubscribe := c.Subscribe(name, 64)
		defer unsubscribe()
		go forward(sessionCtx, ch, events)
	}

	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := c.ConnectAuthAndJoin(joinCtx, opts.id, opts.room, payload)
	joinCancel()
	if err != nil {
		_ = c.Disconnect(context.Background())
		return fmt.Errorf("join %s: %w", opts.room, err)
	}
	if onJoin != nil {
		onJoin()
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.Disconnect(context.Background())
			return nil
		case ev := <-events:
			fmt.Fprintln(out, formatWatchEvent(ev, time.Now(), pretty))
			if ev.Name == client.EventDisconnect {
				return fmt.Errorf("%w: %s", errDisconnected, ev.Reason)
			}
		}
	}
}

func forward(ctx context.Context, in <-chan client.Event, out chan<- client.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// watchLine is the JSON-lines form of a watched event.
type watchLine struct {
	Time   string         `json:"time"`
	Event  string         `json:"event"`
	ID     string         `json:"id,omitempty"`
	Room   string         `json:"room,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Delta  statetree.Tree `json:"delta,omitempty"`
	State  statetree.Tree `json:"state,omitempty"`
	Users  []string       `json:"users,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func formatWatchEvent(ev client.Event, now time.Time, pretty bool) string {
	line := watchLine{
		Time:   now.UTC().Format(time.RFC3339Nano),
		Event:  ev.Name,
		ID:     ev.ID,
		Room:   ev.Room,
		Reason: ev.Reason,
		Delta:  ev.Delta,
		State:  ev.State,
	}
	for id := range ev.Users {
		line.Users = append(line.Users, id)
	}
	sort.Strings(line.Users)
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}

	if !pretty {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Sprintf(`{"event":%q,"error":%q}`, ev.Name, err.Error())
		}
		return string(data)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %-14s", now.Format("15:04:05.000"), ev.Name)
	if line.ID != "" {
		fmt.Fprintf(&sb, " %s", line.ID)
	}
	if line.Room != "" {
		fmt.Fprintf(&sb, " room=%s", line.Room)
	}
	if len(line.Users) > 0 {
		fmt.Fprintf(&sb, " users=%s", strings.Join(line.Users, ","))
	}
	if line.Delta != nil {
		fmt.Fprintf(&sb, " %s", compactJSON(line.Delta))
	} else if line.State != nil {
		fmt.Fprintf(&sb, " %s", compactJSON(line.State))
	}
	if line.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", line.Reason)
	}
	if line.Error != "" {
		fmt.Fprintf(&sb, " error: %s", line.Error)
	}
	return sb.String()
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
