package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mmuteeullah/CoreCam/internal/auth"
	"github.com/mmuteeullah/CoreCam/internal/backend"
	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/health"
	"github.com/mmuteeullah/CoreCam/internal/history"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/monitor"
	"github.com/mmuteeullah/CoreCam/internal/notify"
	"github.com/mmuteeullah/CoreCam/internal/player"
	"github.com/mmuteeullah/CoreCam/internal/recorder"
	"github.com/mmuteeullah/CoreCam/internal/recordings"
	"github.com/mmuteeullah/CoreCam/internal/recovery"
	"github.com/mmuteeullah/CoreCam/internal/statusfeed"
	"github.com/mmuteeullah/CoreCam/internal/storage"
	"github.com/mmuteeullah/CoreCam/internal/streaming"
	"github.com/mmuteeullah/CoreCam/internal/webui"
)

var version = "0.2.0"

const (
	diskCheckInterval = 10 * time.Minute
	backupInterval    = 5 * time.Minute
	backupSettle      = 2 * time.Minute
	historyKeep       = 30 * 24 * time.Hour
)

func main() {
	os.Exit(runMain(os.Args[1:]))
}

// runMain returns the exit code so deferred cleanup, including the log file,
// runs before the process exits.
func runMain(args []string) int {
	fs := flag.NewFlagSet("corecam", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/corecam/config.yaml", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Show version and exit")
	testReboot := fs.String("test-reboot", "", "Send a reboot request to the camera with this id and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("CoreCam v%s - camera recorder and live stream server\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	closer, err := cclog.Configure(cclog.Config{
		Level:   cfg.System.LogLevel,
		File:    cfg.System.LogFile,
		Service: "corecam",
		Version: version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	if *testReboot != "" {
		return runTestReboot(cfg, *testReboot)
	}

	if err := run(cfg, *configPath); err != nil {
		logger := cclog.WithComponent("main")
		logger.Error().Err(err).Msg("CoreCam stopped with error")
		return 1
	}
	return 0
}

func run(cfg *config.Config, configPath string) error {
	logger := cclog.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str(cclog.FieldPath, cfg.Storage.BasePath).
		Int("segment_duration", cfg.Storage.SegmentDuration).
		Int("retention_days", cfg.Storage.RetentionDays).
		Int("cameras", len(cfg.EnabledCameras())).
		Msg("starting CoreCam")

	for _, dir := range []string{cfg.Storage.BasePath, cfg.Storage.LivePath, cfg.Storage.RecordPath, cfg.Storage.BackupPath, cfg.Storage.LogPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder := config.NewHolder(cfg, configPath)

	store, err := history.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := notify.NewSlack(cfg.Recovery.SlackWebhook)
	defer notifier.Wait()

	var token string
	var sessions *auth.SessionManager
	if a := cfg.WebUI.Authentication; a.Enabled {
		token = a.APIToken
		if token == "" {
			token = uuid.NewString()
		}
		sessions = auth.NewSessionManager(a.Username, a.PasswordHash, token, time.Duration(a.SessionTimeout)*time.Minute)
	}

	var supervisor *monitor.Supervisor
	feed := statusfeed.NewHub(func() any {
		if supervisor == nil {
			return []monitor.Snapshot{}
		}
		return supervisor.Snapshots()
	})
	defer feed.Close()
	hooks := &eventSink{store: store, feed: feed}

	streams := streaming.New(streaming.SettingsFromConfig(cfg), streaming.Options{OnRestart: hooks.streamRestarted})
	recorders := recorder.NewManager(recorder.SettingsFromConfig(cfg), nil)
	defer recorders.Close()

	if cfg.Monitor.Enabled {
		client, err := backend.New(cfg.Monitor.BackendURL, backend.Options{
			RestartsPerMinute: cfg.Monitor.RestartPerMinute,
			Token:             token,
		})
		if err != nil {
			return fmt.Errorf("backend client: %w", err)
		}
		supervisor = monitor.NewSupervisor(
			monitor.SettingsFromConfig(cfg.Monitor),
			config.Seconds(cfg.Monitor.TickInterval),
			monitor.Options{
				Escalator: client,
				Hooks:     monitor.Hooks{OnEvent: hooks.monitorEvent, OnStatus: hooks.monitorStatus},
				Player:    player.Options{Client: bearerClient(token)},
			},
		)
	}

	cleaner := storage.NewCleaner(cfg.Storage, notifier)
	catalog := recordings.NewCatalog(cfg.Storage.RecordPath, cfg.Storage.BackupPath)
	mirror := recordings.NewMirror(cfg.Storage.RecordPath, cfg.Storage.BackupPath, backupSettle)

	healthMon := health.NewMonitor(health.Options{
		Version: version,
		Paths:   health.Paths(cfg.Storage.RecordPath, cfg.Storage.BackupPath, cfg.Storage.LivePath),
		Cameras: cameraHealth(holder, streams, recorders, supervisor),
	})

	deps := webui.Deps{
		Config:    holder.Get,
		Streams:   streams,
		Recorders: recorders,
		Storage:   cleaner,
		Catalog:   catalog,
		Events:    store,
		Health:    healthMon,
		Feed:      feed,
		Sessions:  sessions,
	}
	if supervisor != nil {
		deps.Monitors = supervisor
	}

	apply := func(c *config.Config) {
		streams.Sync(c.Cameras)
		recorders.Sync(c.Cameras)
		if supervisor != nil {
			supervisor.Sync(monitorCameras(c), monitor.SettingsFromConfig(c.Monitor))
		}
	}
	apply(cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return streams.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx, diskCheckInterval) })
	g.Go(func() error { return mirror.Run(gctx, backupInterval) })
	g.Go(func() error { return store.Run(gctx, historyKeep) })
	g.Go(func() error { return holder.Watch(gctx) })
	if cfg.System.HealthCheckInterval > 0 {
		g.Go(func() error {
			return healthMon.Run(gctx, time.Duration(cfg.System.HealthCheckInterval)*time.Second)
		})
	}
	if sessions != nil {
		g.Go(func() error { return sessions.Run(gctx) })
	}
	if supervisor != nil {
		g.Go(func() error { return supervisor.Run(gctx) })
	}
	if cfg.Recovery.Enabled {
		rec := recovery.NewManager(recovery.SettingsFromConfig(cfg.Recovery), recovery.Options{
			Targets:         recoveryTargets(recorders),
			RestartRecorder: recorders.Restart,
			Rebooter:        recovery.NewRebooter(cfg.Recovery.RebootAttempts, time.Duration(cfg.Recovery.RebootWindow)*time.Second),
			Notifier:        notifier,
			OnAction:        hooks.recoveryAction,
		})
		g.Go(func() error { return rec.Run(gctx) })
	}

	// Reloads come from the file watcher and SIGHUP.
	updates := make(chan *config.Config, 1)
	holder.Subscribe(updates)
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				_ = holder.Reload()
			case next := <-updates:
				apply(next)
			}
		}
	})

	if cfg.WebUI.Enabled {
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.WebUI.Port),
			Handler:           webui.NewServer(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Bool("auth", sessions != nil).Msg("web UI listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	err = g.Wait()
	logger.Info().Msg("CoreCam shutdown complete")
	return err
}

func monitorCameras(c *config.Config) []monitor.Camera {
	out := make([]monitor.Camera, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		out = append(out, monitor.Camera{ID: cam.ID, Name: cam.Name, Enabled: cam.Enabled})
	}
	return out
}

func recoveryTargets(m *recorder.Manager) func() []recovery.Target {
	return func() []recovery.Target {
		recs := m.Recorders()
		out := make([]recovery.Target, 0, len(recs))
		for _, r := range recs {
			out = append(out, r)
		}
		return out
	}
}

func cameraHealth(holder *config.Holder, streams *streaming.Manager, recorders *recorder.Manager, sup *monitor.Supervisor) func() []health.CameraHealth {
	return func() []health.CameraHealth {
		live := make(map[string]streaming.Status)
		for _, s := range streams.Statuses() {
			live[s.CameraID] = s
		}
		recs := make(map[string]recorder.Status)
		for _, s := range recorders.Statuses() {
			recs[s.CameraID] = s
		}
		snaps := make(map[string]monitor.Snapshot)
		if sup != nil {
			for _, s := range sup.Snapshots() {
				snaps[s.CameraID] = s
			}
		}

		var out []health.CameraHealth
		for _, cam := range holder.Get().EnabledCameras() {
			st := live[cam.ID]
			rs := recs[cam.ID]
			sn := snaps[cam.ID]
			out = append(out, health.CameraHealth{
				ID:            cam.ID,
				Name:          cam.Name,
				Recording:     rs.Recording || !cam.Recording(),
				LiveStream:    st.Running && st.Healthy,
				LastRecording: rs.LastRecording,
				Restarts:      st.Restarts,
				MonitorStatus: sn.Status,
				MonitorRetry:  sn.RetryCount,
			})
		}
		return out
	}
}

// bearerClient returns the HTTP client monitor players use against this
// server. It carries the internal token when authentication is on.
func bearerClient(token string) *http.Client {
	c := &http.Client{Timeout: 10 * time.Second}
	if token != "" {
		c.Transport = bearerTransport{token: token, next: http.DefaultTransport}
	}
	return c
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(r)
}

func runTestReboot(cfg *config.Config, id string) int {
	logger := cclog.WithCamera("main", id)
	cam, ok := cfg.Camera(id)
	if !ok {
		logger.Error().Str(cclog.FieldEvent, "reboot.test").Msg("unknown camera")
		fmt.Fprintf(os.Stderr, "Unknown camera: %s\n", id)
		return 1
	}
	target, err := recovery.RebootTargetFromURL(cam.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot reboot %s: %v\n", id, err)
		return 1
	}
	fmt.Printf("Rebooting camera %s at %s\n", cam.Name, target.Host)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := recovery.NewRebooter(1, time.Minute).Reboot(ctx, cam); err != nil {
		logger.Error().Err(err).Str(cclog.FieldEvent, "reboot.test").Msg("reboot failed")
		fmt.Fprintf(os.Stderr, "Reboot failed: %v\n", err)
		return 1
	}
	logger.Info().Str(cclog.FieldEvent, "reboot.test").Msg("reboot request accepted")
	fmt.Println("Reboot request accepted")
	return 0
}
