// Command corestreamd runs the corestream backend: device discovery,
// H.264 capture, broadcast, and snapshot endpoints behind one HTTP server.
//
// Grounded on the teacher's main.go for the overall wiring shape (setup
// logging, build services, build router, run), generalized from a single
// gin.Default() call with hardcoded dependencies into an explicit
// construction graph, and from a bare func main into a cobra command tree
// (serve + devices) per SPEC_FULL.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"corestream/api"
	"corestream/bridge"
	"corestream/capture"
	"corestream/capturehistory"
	"corestream/config"
	"corestream/corelog"
	"corestream/devicetracker"
	"corestream/models"
	"corestream/registry"
	"corestream/snapshot"
)

func main() {
	root := &cobra.Command{
		Use:   "corestreamd",
		Short: "corestream device capture and broadcast service",
	}
	root.AddCommand(serveCmd(), devicesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the long-running capture and broadcast service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file to load before reading the environment")
	return cmd
}

func devicesCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "print the current device set and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file to load before reading the environment")
	return cmd
}

func buildDriverAndLogger(envFile string) (config.Config, *logrus.Logger, *os.File, bridge.Driver, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	logger, logFile, err := corelog.Setup(logrus.InfoLevel)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	driver := bridge.NewADBDriver(cfg.ADBPath, logger.WithField("component", "bridge"))
	return cfg, logger, logFile, driver, nil
}

// runDevices prints a one-shot device snapshot, giving the tracker a few
// seconds to observe the debug-bridge's initial device list.
func runDevices(envFile string) error {
	cfg, logger, logFile, driver, err := buildDriverAndLogger(envFile)
	if err != nil {
		return err
	}
	defer logFile.Close()
	_ = cfg

	tracker := devicetracker.New(driver, logger.WithField("component", "devicetracker"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go tracker.Run(ctx)
	<-ctx.Done()

	for _, d := range tracker.Snapshot() {
		fmt.Printf("%s\t%s\t%s %s\n", d.Serial, d.State, d.Manufacturer, d.Model)
	}
	return nil
}

func runServe(envFile string) error {
	cfg, logger, logFile, driver, err := buildDriverAndLogger(envFile)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log := logger.WithField("component", "corestreamd")

	history, err := capturehistory.Open(cfg.CaptureHistoryDBPath)
	if err != nil {
		return err
	}
	defer history.Close()

	tracker := devicetracker.New(driver, logger.WithField("component", "devicetracker"))
	trackerCtx, trackerCancel := context.WithCancel(context.Background())
	defer trackerCancel()
	go func() {
		if err := tracker.Run(trackerCtx); err != nil {
			log.WithError(err).Error("device tracker stopped")
		}
	}()

	factory := registry.Factory{
		NewWorker: func(serial string, capCfg models.CaptureConfig) *capture.Worker {
			return capture.NewWorker(serial, driver, capCfg, capture.Options{
				EncoderAgentPath:   cfg.EncoderAgentPath,
				EncoderRemotePath:  "/data/local/tmp/corestream-agent.jar",
				EncoderMainClass:   "com.corestream.Agent",
				DeviceAbstractName: "corestream_encoder",
				GopCapBytes:        int(cfg.GopCapBytes),
				QueueDepth:         cfg.SubscriberQueueDepth,
				IdleTimeout:        cfg.IdleTimeout(),
				MinRestartWait:     2 * time.Second,
			}, logger.WithField("component", "capture").WithField("serial", serial))
		},
		NewPipeline: func(serial string, w *capture.Worker) *snapshot.Pipeline {
			return snapshot.NewPipeline(serial, w, snapshot.Options{
				DecoderPath:          "/usr/local/bin/corestream-decoder",
				DecoderStallTimeout:  cfg.DecoderStallTimeout(),
				CaptureWaitColdMs:    6000,
				CaptureWaitWarmMs:    300,
			}, logger.WithField("component", "snapshot").WithField("serial", serial))
		},
	}

	reg, err := registry.New(driver, factory, 30*time.Second, logger.WithField("component", "registry"))
	if err != nil {
		return err
	}

	srv := api.NewServer(reg, tracker, history, cfg, log)
	router := srv.Router()

	log.WithField("addr", cfg.ListenAddr).Info("corestreamd listening")

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	}

	reg.StopAll(cfg.ShutdownDeadline())
	return nil
}
