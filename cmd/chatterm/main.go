package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatterm/chatterm/internal/config"
	"github.com/chatterm/chatterm/internal/directory"
	"github.com/chatterm/chatterm/internal/hooks"
	"github.com/chatterm/chatterm/internal/logging"
	"github.com/chatterm/chatterm/session"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	logger.Info("chatterm starting",
		slog.String("version", Version),
		slog.String("server", cfg.Server),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher, manifestPath, err := loadHooks(cfg, logger)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	rest := session.NewRestClient(cfg.Server, httpClient, cfg.SnapshotRPS, logger)
	dir := directory.New(rest, cfg.RoomMemberCap, logger)
	rt := session.NewRealtimeClient(cfg.WebsocketURL(), logger)

	sess := session.New(cfg, rest, rt, dir, logger)
	sess.Store().AddListener(hookBridge(sess, dispatcher))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sess.Run(gctx)
		if err != nil && gctx.Err() == nil {
			dispatcher.Dispatch(hooks.Record{
				Kind:  hooks.KindInternalError,
				Error: err.Error(),
			})
		}
		return err
	})

	if manifestPath != "" {
		watcher := hooks.NewWatcher(manifestPath, dispatcher, logger)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	err = g.Wait()

	// Best-effort server-side logout; the run context is gone by now.
	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if lerr := sess.Logout(logoutCtx); lerr != nil {
		logger.Debug("logout failed", slog.String("error", lerr.Error()))
	}

	if err == context.Canceled {
		logger.Info("chatterm stopped")
		return nil
	}
	return err
}

// loadHooks builds the hook dispatcher. No manifest configured means a
// dispatcher that fires nothing, which keeps the bridge unconditional.
func loadHooks(cfg *config.Config, logger *slog.Logger) (*hooks.Dispatcher, string, error) {
	if cfg.HooksFile == "" {
		return hooks.NewDispatcher(nil, logger), "", nil
	}

	m, err := hooks.LoadManifest(cfg.HooksFile)
	if err != nil {
		return nil, "", fmt.Errorf("loading hooks: %w", err)
	}

	logger.Info("hooks loaded",
		slog.String("path", cfg.HooksFile),
		slog.Int("hooks", len(m.Hooks)),
	)
	return hooks.NewDispatcher(m, logger), cfg.HooksFile, nil
}

// hookBridge converts store changes into hook records. Runs on the
// event loop goroutine; Dispatch never blocks.
func hookBridge(sess *session.Session, d *hooks.Dispatcher) func(session.Change) {
	return func(ch session.Change) {
		switch ch.Kind {
		case session.ChangeMessageNew:
			msg := ch.Message
			if msg == nil || msg.UserID == sess.LocalUserID() {
				return
			}
			room, _ := sess.Store().Room(msg.RoomID)
			rec := hooks.Record{
				Kind:     hooks.KindNewRoomMessage,
				RoomID:   msg.RoomID,
				RoomName: room.Label(),
				MsgID:    msg.ID,
				Body:     msg.Body,
				UserID:   msg.UserID,
				Username: msg.Username,
			}
			d.Dispatch(rec)

			if msg.MentionsUser(sess.LocalUserID()) {
				rec.Kind = hooks.KindMentioned
				d.Dispatch(rec)
			}

		case session.ChangeRoomAdded:
			d.Dispatch(roomRecord(hooks.KindRoomAdded, ch))
		case session.ChangeRoomRemoved:
			d.Dispatch(roomRecord(hooks.KindRoomRemoved, ch))
		case session.ChangeRoomOpened:
			d.Dispatch(roomRecord(hooks.KindRoomOpened, ch))
		case session.ChangeRoomHidden:
			d.Dispatch(roomRecord(hooks.KindRoomHidden, ch))

		case session.ChangeConnLost:
			d.Dispatch(hooks.Record{Kind: hooks.KindLostConnection})
		case session.ChangeConnRestored:
			d.Dispatch(hooks.Record{Kind: hooks.KindRestoredConnection})
		}
	}
}

func roomRecord(kind hooks.Kind, ch session.Change) hooks.Record {
	return hooks.Record{
		Kind:     kind,
		RoomID:   ch.Room.ID,
		RoomName: ch.Room.Label(),
	}
}
