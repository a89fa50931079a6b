// Command livetail follows a namespace's event stream from a terminal. It
// prints every event as a JSON line, joins the requested rooms and keeps them
// across reconnects, and can re-fetch a summary URL after bursts of updates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
	"github.com/lorrc/service-desk-realtime/pkg/streamclient"
)

type runArgs struct {
	URL         string        `arg:"-u,--url" default:"http://localhost:8080" help:"server base URL"`
	Namespace   string        `arg:"-n,--namespace" default:"helpdesk" help:"application namespace to follow"`
	Token       string        `arg:"-t,--token,env:LIVETAIL_TOKEN" help:"bearer token"`
	Tickets     []int64       `arg:"--ticket,separate" help:"ticket room to join, may be repeated"`
	Teams       []string      `arg:"--team,separate" help:"team area to join, may be repeated"`
	Depts       []int64       `arg:"--dept,separate" help:"department room to join, may be repeated"`
	Tech        bool          `arg:"--tech" help:"join the technician room"`
	Admin       bool          `arg:"--admin" help:"join the admin room"`
	Events      []string      `arg:"-e,--event,separate" help:"only print these event types"`
	RefreshURL  string        `arg:"--refresh-url" help:"URL to GET once a burst of updates settles"`
	Window      time.Duration `arg:"-w,--window" default:"400ms" help:"quiet period before a refresh"`
	MaxAttempts int           `arg:"--max-attempts" default:"10" help:"consecutive reconnects before giving up"`
	LogLevel    string        `arg:"--log-level" default:"info" help:"debug, info, warn or error"`
}

// refreshTypes are the events that make a summary stale.
var refreshTypes = []string{
	eventstream.TypeTicketUpdated,
	eventstream.TypeNotification,
	eventstream.TypeAppointmentBooked,
	eventstream.TypeSlotChanged,
	eventstream.TypePeriodUpdated,
}

var args runArgs

func main() {
	arg.MustParse(&args)

	logger := logging.NewLogger(logging.Config{
		Level:       args.LogLevel,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "livetail",
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, args, os.Stdout, logger); err != nil {
		logger.Error("livetail stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args runArgs, out io.Writer, logger *slog.Logger) error {
	cfg := streamclient.DefaultConfig(args.URL, args.Namespace)
	cfg.Token = args.Token
	cfg.MaxAttempts = args.MaxAttempts
	cfg.Logger = logger

	client, err := streamclient.New(cfg)
	if err != nil {
		return err
	}

	out = &lockedWriter{w: out}
	printer := newPrinter(out, args.Events)
	for _, t := range []string{
		eventstream.TypeReady,
		eventstream.TypeError,
		eventstream.TypeNotification,
		eventstream.TypeTicketUpdated,
		eventstream.TypeAppointmentBooked,
		eventstream.TypeSlotChanged,
		eventstream.TypePeriodUpdated,
		eventstream.TypeStaticUpdate,
		eventstream.JoinedPrefix + eventstream.ScopeTicket,
		eventstream.JoinedPrefix + eventstream.ScopeTech,
		eventstream.JoinedPrefix + eventstream.ScopeTeam,
		eventstream.JoinedPrefix + eventstream.ScopeAdmin,
		eventstream.JoinedPrefix + eventstream.ScopeDept,
		eventstream.JoinedPrefix + eventstream.ScopeDay,
	} {
		client.On(t, printer.print)
	}

	var giveUp error
	client.On(streamclient.EventGiveUp, func(e streamclient.Event) {
		giveUp = fmt.Errorf("gave up after %d attempts: %w", e.Attempt, e.Err)
	})

	if args.RefreshURL != "" {
		refresher := &refresher{url: args.RefreshURL, token: args.Token, out: out, logger: logger}
		reactor, err := streamclient.NewReactor(client, args.Window, func() { refresher.refresh(ctx) }, refreshTypes...)
		if err != nil {
			return err
		}
		defer reactor.Close()
	}

	if err := joinRooms(ctx, client, args); err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	<-client.Done()
	return giveUp
}

// joinRooms records the requested rooms. They are sent once the stream is
// ready and again after every reconnect.
func joinRooms(ctx context.Context, client *streamclient.Client, args runArgs) error {
	var joins []func() error
	for _, id := range args.Tickets {
		joins = append(joins, func() error {
			return client.Join(ctx, eventstream.ScopeTicket, eventstream.TicketParams{TicketID: id})
		})
	}
	for _, area := range args.Teams {
		joins = append(joins, func() error {
			return client.Join(ctx, eventstream.ScopeTeam, eventstream.TeamParams{Area: area})
		})
	}
	for _, id := range args.Depts {
		joins = append(joins, func() error {
			return client.Join(ctx, eventstream.ScopeDept, eventstream.DeptParams{DepartmentID: id})
		})
	}
	if args.Tech {
		joins = append(joins, func() error { return client.Join(ctx, eventstream.ScopeTech, nil) })
	}
	if args.Admin {
		joins = append(joins, func() error { return client.Join(ctx, eventstream.ScopeAdmin, nil) })
	}

	for _, join := range joins {
		if err := join(); err != nil {
			return err
		}
	}
	return nil
}

type printer struct {
	enc    *json.Encoder
	filter map[string]bool
}

func newPrinter(out io.Writer, types []string) *printer {
	p := &printer{enc: json.NewEncoder(out)}
	if len(types) > 0 {
		p.filter = make(map[string]bool, len(types))
		for _, t := range types {
			p.filter[t] = true
		}
	}
	return p
}

type line struct {
	Time time.Time       `json:"time"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (p *printer) print(e streamclient.Event) {
	if p.filter != nil && !p.filter[e.Type] {
		return
	}
	_ = p.enc.Encode(line{Time: time.Now().UTC(), Type: e.Type, Data: e.Data})
}

type refresher struct {
	url    string
	token  string
	out    io.Writer
	logger *slog.Logger
	client http.Client
}

func (r *refresher) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		r.logger.Warn("refresh failed", "error", err)
		return
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("refresh failed", "error", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.logger.Warn("refresh failed", "error", err)
		return
	}

	r.logger.Info("refreshed", "url", r.url, "status", resp.StatusCode, "bytes", len(body))
	if json.Valid(body) {
		_, _ = fmt.Fprintf(r.out, "%s\n", body)
	}
}

// lockedWriter serializes the event printer and the refresher.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
