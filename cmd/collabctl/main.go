package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tripsync/internal/collab"
	"github.com/rickgao/tripsync/internal/config"
	"github.com/rickgao/tripsync/internal/connection"
	"github.com/rickgao/tripsync/internal/database"
	"github.com/rickgao/tripsync/internal/journal"
	"github.com/rickgao/tripsync/internal/poller"
	"github.com/rickgao/tripsync/internal/protocol"
	"github.com/rickgao/tripsync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/collabctl.example.yaml", "path to config file")
	room := flag.String("room", "", "room to join on startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting collabctl",
		"version", version.Version,
		"commit", version.Get().Commit,
		"config", *configPath,
		"server", cfg.Server.URL,
		"dialect", cfg.Server.Dialect,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *room, logger); err != nil {
		logger.Error("collabctl failed", "error", err)
		os.Exit(1)
	}
	logger.Info("collabctl stopped")
}

func run(ctx context.Context, cfg *config.ClientConfig, room string, logger *slog.Logger) error {
	client := collab.New(collab.ConfigFrom(cfg), logger)
	defer client.Close()

	printEvents(client)

	// Optional chat archive
	var jr *journal.Journal
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)
		pool, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("journal database: %w", err)
		}
		defer pool.Close()

		store := journal.NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}

		jr = journal.New(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, store, logger)
		detach := jr.Attach(client)
		defer detach()

		if err := jr.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			jr.Stop(shutdownCtx)
		}()
	}

	if err := client.Connect(ctx, collab.Credentials(cfg)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if room != "" {
		joined, err := client.JoinRoom(ctx, room)
		if err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
		logger.Info("joined room",
			"room", joined.ID,
			"name", joined.Name,
			"members", joined.MemberCount(),
			"history", len(joined.History),
		)
	}

	if cfg.Rooms.CatalogRefresh > 0 {
		p := poller.New(poller.Config{Interval: cfg.Rooms.CatalogRefresh}, client, logger, connection.ErrNotConnected)
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p.Stop(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Health.Port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           healthHandler(cfg.Health.Path, client, jr),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return readCommands(gctx, client, room, logger)
	})

	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

// readCommands drives the client from stdin until /quit, EOF, or
// cancellation. Plain lines are sent as chat to the current room.
func readCommands(ctx context.Context, client *collab.Client, room string, logger *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			return errQuit
		case "/join":
			joined, jerr := client.JoinRoom(ctx, arg)
			if err = jerr; err == nil {
				room = joined.ID
				fmt.Printf("* joined %s (%d members)\n", joined.ID, joined.MemberCount())
			}
		case "/leave":
			target := room
			if arg != "" {
				target = arg
			}
			if err = client.LeaveRoom(ctx, target); err == nil && target == room {
				room = ""
			}
		case "/create":
			id, name, _ := strings.Cut(arg, " ")
			created, cerr := client.CreateRoom(ctx, id, name)
			if err = cerr; err == nil {
				fmt.Printf("* created %s (%d members)\n", created.ID, created.MemberCount())
			}
		case "/rooms":
			err = client.RefreshRooms()
		case "/typing":
			err = client.SetTyping(room, true, arg)
		case "/stop":
			err = client.SetTyping(room, false, "")
		case "/notify":
			target, msg, _ := strings.Cut(arg, " ")
			err = client.SendNotification(ctx, target, "message", msg, nil)
		case "/status":
			printStatus(client)
		default:
			err = client.SendMessage(room, line, "text")
		}
		if err != nil {
			logger.Warn("command failed", "command", cmd, "error", err)
		}
	}
}

// printEvents subscribes console output for the events a user cares about.
func printEvents(client *collab.Client) {
	client.Subscribe(protocol.CategoryChatMessage, func(ev protocol.Event) {
		m := ev.(*protocol.ChatMessage)
		fmt.Printf("[%s] %s: %s\n", m.RoomID, nameOr(m.UserName, m.UserID), m.Message)
	})
	client.Subscribe(protocol.CategoryUserJoinedRoom, func(ev protocol.Event) {
		e := ev.(*protocol.UserRoomEvent)
		fmt.Printf("* %s joined %s\n", nameOr(e.UserName, e.UserID), e.RoomID)
	})
	client.Subscribe(protocol.CategoryUserLeftRoom, func(ev protocol.Event) {
		e := ev.(*protocol.UserRoomEvent)
		fmt.Printf("* %s left %s\n", nameOr(e.UserName, e.UserID), e.RoomID)
	})
	client.Subscribe(protocol.CategoryRoomList, func(protocol.Event) {
		for _, r := range client.Rooms() {
			fmt.Printf("* room %s %q (%d users)\n", r.ID, r.Name, r.MemberCount)
		}
	})
	client.Subscribe(protocol.CategoryNotificationReceived, func(ev protocol.Event) {
		n := ev.(*protocol.NotificationReceived)
		fmt.Printf("! %s: %s\n", nameOr(n.FromUser.UserName, n.FromUser.UserID), n.Message)
	})
	client.Subscribe(protocol.CategoryStateChanged, func(ev protocol.Event) {
		s := ev.(*collab.StateChanged)
		fmt.Printf("* connection %s -> %s\n", s.Old, s.New)
	})
	client.Subscribe(protocol.CategoryReconnectFailed, func(ev protocol.Event) {
		f := ev.(*collab.ReconnectFailed)
		fmt.Printf("! gave up reconnecting after %d attempts: %v\n", f.Attempts, f.Err)
	})
}

func printStatus(client *collab.Client) {
	st := client.Status()
	fmt.Printf("* state=%s session=%d rooms=%v pending=%d\n",
		st.State, st.Session, client.JoinedRooms(), st.Pending)
}

// healthHandler creates the HTTP handler for health checks.
func healthHandler(path string, client *collab.Client, jr *journal.Journal) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		st := client.Status()

		health := struct {
			Status     string                 `json:"status"`
			Version    version.Info           `json:"version"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]interface{}),
		}

		conn := map[string]interface{}{
			"state":   st.State.String(),
			"session": st.Session,
			"attempt": st.Attempt,
		}
		if st.LastError != nil {
			conn["last_error"] = st.LastError.Error()
		}
		health.Components["connection"] = conn
		switch st.State {
		case connection.StateConnected:
		case connection.StateConnecting, connection.StateReconnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		health.Components["rooms"] = map[string]interface{}{
			"joined":  client.JoinedRooms(),
			"pending": st.Pending,
		}

		if jr != nil {
			m := jr.Stats()
			health.Components["journal"] = map[string]interface{}{
				"received":  m.Received,
				"inserts":   m.Inserts,
				"conflicts": m.Conflicts,
				"errors":    m.Errors,
				"buffered":  jr.Pending(),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
