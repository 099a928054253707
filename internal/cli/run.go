package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/gazegrid/internal/app"
	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/pipeline"
	"github.com/ayusman/gazegrid/internal/server"
	"github.com/ayusman/gazegrid/internal/store"
	"github.com/ayusman/gazegrid/internal/tray"
)

type runOptions struct {
	Addr      string
	StaticDir string
	NoTray    bool
	AutoStart bool
}

func newRunCmd(e *env) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the camera, the HTTP API and the tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				e.cfg.Server.Addr = opts.Addr
			}
			if cmd.Flags().Changed("static") {
				e.cfg.Server.StaticDir = opts.StaticDir
			}
			if cmd.Flags().Changed("auto-start") {
				e.cfg.Detection.AutoStart = opts.AutoStart
			}
			return runService(cmd.Context(), e, opts.NoTray)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.StaticDir, "static", "", "Directory of dashboard files")
	cmd.Flags().BoolVar(&opts.NoTray, "no-tray", false, "Run without the system tray")
	cmd.Flags().BoolVar(&opts.AutoStart, "auto-start", false, "Start detection immediately")
	return cmd
}

// runService wires the application and blocks until ctx is cancelled, the
// server fails or the tray quits.
func runService(ctx context.Context, e *env, noTray bool) error {
	cfg, log := e.cfg, e.log

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if _, err := pruneEstimates(st, cfg.Retention(), time.Now(), log); err != nil {
		log.WithError(err).Warn("failed to prune estimates")
	}

	det, err := buildDetector(cfg)
	if err != nil {
		return err
	}
	models, err := loadModels(cfg)
	if err != nil {
		det.Close()
		return err
	}

	a, err := app.New(app.Config{
		Device:        capture.NewCameraDevice(),
		DeviceID:      cfg.Camera.DeviceID,
		FrameSize:     cfg.FrameSize(),
		PermitTimeout: cfg.PermitTimeout(),
		Detector:      det,
		Models:        models,
		Arity:         grid.Arity(cfg.Grid.Arity),
		Screen:        cfg.Screen(),
		Policy:        trackingPolicy(cfg),
		Interval:      cfg.Interval(),
		Store:         st,
		Diagnostics:   cfg.Store.Diagnostics,
		Logger:        log,
	})
	if err != nil {
		det.Close()
		models.Close()
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		StaticDir: cfg.Server.StaticDir,
		Store:     st,
		App:       a,
		Logger:    log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	autoStart := cfg.Detection.AutoStart
	if !autoStart {
		enabled, err := st.Settings().GetInt(store.SettingAutoStart, 0)
		if err == nil && enabled == 1 {
			autoStart = true
		}
	}
	if autoStart {
		if err := a.Start(ctx); err != nil {
			log.WithError(err).Warn("auto start failed, detection stays off")
		} else {
			a.SetEnabled(true)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(gctx, cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if noTray {
		<-gctx.Done()
	} else {
		t := newTray(a, log, dashboardURL(cfg.Server.Addr), autoStart, cancel)
		go func() {
			<-gctx.Done()
			t.Quit()
		}()
		// systray must own the main thread on some platforms.
		t.Run()
		cancel()
	}

	cancel()
	err = g.Wait()
	if stopErr := a.Stop(); stopErr != nil {
		log.WithError(stopErr).Warn("failed to stop capture")
	}
	log.Info("shut down")
	return err
}

func newTray(a *app.App, log logrus.FieldLogger, url string, enabled bool, quit func()) *tray.Tray {
	t := tray.New(a.Arities(), a.Arity())
	t.SetEnabled(enabled)

	t.OnToggle(func(on bool) error {
		if on {
			if err := a.Start(context.Background()); err != nil {
				log.WithError(err).Warn("failed to start capture")
				return err
			}
		}
		a.SetEnabled(on)
		return nil
	})
	t.OnArity(func(ar grid.Arity) error {
		if err := a.SetArity(ar); err != nil {
			log.WithError(err).WithField("arity", int(ar)).Warn("grid change refused")
			return err
		}
		return nil
	})
	t.OnDashboard(func() {
		if err := openBrowser(url); err != nil {
			log.WithError(err).Warn("failed to open the dashboard")
		}
	})
	t.OnQuit(quit)

	a.OnResult(func(res pipeline.Result) {
		if res.Outcome == pipeline.OutcomeEstimated {
			t.SetLastRegion(fmt.Sprintf("region %d", res.Class+1))
		}
	})
	return t
}

func dashboardURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

// pruneEstimates deletes estimates created more than keep before now. A zero
// keep disables pruning.
func pruneEstimates(st *store.Store, keep time.Duration, now time.Time, log logrus.FieldLogger) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-keep)
	n, err := st.Estimates().DeleteBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete estimates before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		log.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff.Format(time.RFC3339)}).Info("pruned old estimates")
	}
	return n, nil
}
