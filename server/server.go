// Package server assembles the gateway process: store, channels, queue,
// runner, scheduler, quiet-hour machinery, credential loop, admin API and
// the registration IPC watcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/microclaw/ai/agent/runner"
	"github.com/hrygo/microclaw/internal/profile"
	"github.com/hrygo/microclaw/plugin/channels"
	"github.com/hrygo/microclaw/plugin/channels/telegram"
	"github.com/hrygo/microclaw/plugin/channels/whatsapp"
	"github.com/hrygo/microclaw/server/credentials"
	"github.com/hrygo/microclaw/server/gateway"
	"github.com/hrygo/microclaw/server/metrics"
	"github.com/hrygo/microclaw/server/queue"
	"github.com/hrygo/microclaw/server/quiet"
	"github.com/hrygo/microclaw/server/scheduler"
	"github.com/hrygo/microclaw/server/status"
	"github.com/hrygo/microclaw/store"
)

const heartbeatInterval = time.Minute

// Server owns every long-running component of one microclaw instance.
type Server struct {
	profile *profile.Profile
	store   *store.Store

	echoServer *echo.Echo
	registry   *channels.Registry
	sender     *channels.Sender
	queue      *queue.GroupQueue
	tracker    *status.Tracker
	gateway    *gateway.Gateway
	scheduler  *scheduler.Scheduler
	creds      *credentials.Service
	quietSched *quiet.Schedule
	quietNotif *quiet.Notifier
	metrics    *metrics.Metrics
	ipc        *ipcWatcher
}

// runnerAdapter narrows *runner.Process to the queue-facing interface the
// gateway expects.
type runnerAdapter struct {
	r *runner.Runner
}

func (a runnerAdapter) Run(ctx context.Context, req *runner.RunRequest, onProcess func(queue.AgentProcess), onOutput func(*runner.ContainerOutput)) (*runner.ContainerOutput, error) {
	var wrap func(*runner.Process)
	if onProcess != nil {
		wrap = func(p *runner.Process) { onProcess(p) }
	}
	return a.r.Run(ctx, req, wrap, onOutput)
}

// NewServer wires the instance together. It validates the registry state but
// starts nothing; Start brings the components up in dependency order.
func NewServer(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	quietSched, err := quiet.Parse(p.QuietWindows, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid quiet windows: %w", err)
	}

	if err := checkSingleMain(ctx, st, p.MainFolder); err != nil {
		return nil, err
	}

	s := &Server{
		profile:    p,
		store:      st,
		registry:   channels.NewRegistry(),
		queue:      queue.NewGroupQueue(),
		metrics:    metrics.New(),
		quietSched: quietSched,
	}
	s.sender = channels.NewSender(s.registry, 1, 3)
	s.tracker = status.NewTracker(st, s.sender, s.metrics)

	if p.WhatsAppBridgeURL != "" {
		wa, err := whatsapp.NewWhatsAppChannel(p.WhatsAppBridgeURL, p.WhatsAppAPIKey)
		if err != nil {
			return nil, fmt.Errorf("whatsapp channel: %w", err)
		}
		s.registry.Register(wa)
	}
	if p.TelegramBotToken != "" {
		tg, err := telegram.NewTelegramChannel(p.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		s.registry.Register(tg)
	}

	// Notices route through the gateway, which does not exist yet; the
	// closure reads s.gateway at call time.
	notifyMain := func(ctx context.Context, text string) error {
		return s.gateway.SendToMain(ctx, text)
	}
	s.creds = credentials.NewService(p, notifyMain)

	agentRunner := runner.NewRunner(p, s.creds, gateway.NewSnapshots(st), notifyMain)
	s.gateway = gateway.New(p, st, s.queue, runnerAdapter{agentRunner}, s.tracker, s.sender, quietSched.IsQuiet, s.metrics)
	s.scheduler = scheduler.New(st, s.queue, s.gateway.RunTask, loc, quietSched.IsQuiet, p.SchedulerPollInterval)
	s.quietNotif = quiet.NewNotifier(quietSched, p.PreQuietLead, s.gateway.SendToMain)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	s.echoServer = e
	s.registerAdminRoutes(e)

	s.ipc = newIPCWatcher(p.IPCDir(), s.store, p.MainFolder)

	return s, nil
}

// checkSingleMain rejects a registry with more than one group claiming the
// main folder; routing of system notices would be ambiguous.
func checkSingleMain(ctx context.Context, st *store.Store, mainFolder string) error {
	groups, err := st.ListRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	count := 0
	for _, g := range groups {
		if g.Folder == mainFolder {
			count++
		}
	}
	if count > 1 {
		return fmt.Errorf("%d registered groups claim the main folder %q", count, mainFolder)
	}
	return nil
}

// Start brings the components up: recovery first so cursors are consistent
// before the poll loop observes anything, then channels, loops and the admin
// listener.
func (s *Server) Start(ctx context.Context) error {
	// Recovery can enqueue replays that spawn agents right away, so the
	// token must be fresh before it runs.
	if err := s.creds.EnsureFresh(ctx); err != nil {
		slog.Warn("credential warm-up failed", "error", err)
	}

	if err := s.gateway.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	for _, ch := range s.registry.List() {
		if err := ch.Start(ctx, s.gateway.HandleInbound); err != nil {
			return fmt.Errorf("start %s channel: %w", ch.Name(), err)
		}
		slog.Info("channel connected", "channel", ch.Name())
	}

	s.gateway.Start(ctx)

	// Boot sweep catches tasks that came due while the process was down.
	if err := s.scheduler.Tick(ctx); err != nil {
		slog.Error("scheduler boot sweep failed", "error", err)
	}
	s.scheduler.Start(ctx)

	go s.creds.Run(ctx, s.profile.CredentialRefreshEvery)
	go s.quietNotif.Run(ctx)
	s.tracker.StartHeartbeat(ctx, heartbeatInterval, s.queue.IsActive)

	if err := s.ipc.Start(ctx); err != nil {
		slog.Warn("ipc watcher not started", "dir", s.profile.IPCDir(), "error", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
		if err := s.echoServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in reverse dependency order: stop taking work, let running
// agents finish inside the deadline, mark what is left failed, then close
// the transports and the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.profile.ShutdownDeadline)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down admin server", "error", err)
	}
	s.ipc.Close()

	s.queue.Shutdown(s.profile.ShutdownDeadline)
	if err := s.tracker.Shutdown(ctx); err != nil {
		slog.Error("failed to resolve stranded statuses", "error", err)
	}

	for _, ch := range s.registry.List() {
		if err := ch.Disconnect(); err != nil {
			slog.Error("failed to disconnect channel", "channel", ch.Name(), "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
	slog.Info("microclaw stopped")
}
