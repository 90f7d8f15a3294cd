// Package main runs the obscuring pipeline over a directory of frames and serves the overlay to
// browser viewers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mhss/shade/capture"
	"github.com/mhss/shade/config"
	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/pipeline"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/services/mlmodel"
	"github.com/mhss/shade/services/mlmodel/tflitecpu"
	od "github.com/mhss/shade/vision/objectdetection"
	"github.com/mhss/shade/web"
)

const (
	flagConfig  = "config"
	flagDebug   = "debug"
	flagEnvFile = "env-file"
)

var logger = logging.NewLogger("shade")

func main() {
	app := &cli.App{
		Name:  "shade",
		Usage: "pixelate detected regions of a live frame stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "load configuration from `FILE`",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagEnvFile,
				Usage: "load environment variables from `FILE` before reading the config",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String(flagConfig), c.String(flagEnvFile), c.Bool(flagDebug))
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorw("exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string, debug bool) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.InitLoggingSettings(logger, debug)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return errors.Wrapf(err, "loading %s", envFile)
		}
	}

	cfg, err := config.Read(configPath, logger)
	if err != nil {
		return err
	}
	config.UpdateFileConfigDebug(cfg.Debug)
	if cfg.LogFile != "" {
		appender, closer := logging.NewFileAppender(cfg.LogFile, cfg.LogFileMaxSizeMB)
		logger.AddAppender(appender)
		defer func() {
			err = multierr.Combine(err, closer.Close())
		}()
	}
	if err := logging.UpdateLevels(cfg.LogConfig, logger); err != nil {
		return err
	}
	named := func(name string) logging.Logger {
		return logging.Register(logger.Sublogger(name))
	}

	pool := rimage.NewBufferPool(cfg.Pipeline.PoolCapacity, nil)
	loader := func(ctx context.Context, path string) (mlmodel.Service, error) {
		return tflitecpu.NewTFLiteCPUModel(ctx, &tflitecpu.TFLiteConfig{
			ModelPath:  path,
			NumThreads: cfg.Model.NumThreads,
		}, named("model"))
	}

	settings, err := config.NewFileSettings(cfg.SettingsFile, cfg.Settings, named("settings"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, settings.Close())
	}()

	coordinator := pipeline.NewCoordinator(
		pipeline.OptionsFromConfig(cfg, od.ModelLoader(loader), pool), settings, named("pipeline"))
	defer func() {
		err = multierr.Combine(err, coordinator.Close(context.Background()))
	}()

	hub := web.NewHub(named("web"))
	coordinator.Overlay().Attach(web.NewSurface(cfg.Web.Width, cfg.Web.Height, hub, named("surface")))

	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	display := pipeline.Display{Width: cfg.Web.Width, Height: cfg.Web.Height, Rotation: cfg.Web.Rotation}
	if err := coordinator.UpdateDisplay(ctx, display); err != nil {
		return err
	}

	source, err := newSource(cfg, pool, named)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, source.Close(context.Background()))
	}()

	reporter, err := pipeline.NewStatsReporter(coordinator.Stats,
		time.Duration(cfg.Pipeline.StatsIntervalSec)*time.Second, named("stats"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, reporter.Close())
	}()

	server := web.NewServer(hub, coordinator, settings, named("web"))
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(groupCtx, cfg.Web.Addr)
	})
	group.Go(func() error {
		err := coordinator.Run(groupCtx, source)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			// The source ran out; keep serving the last overlay until interrupted.
			<-groupCtx.Done()
		}
		return err
	})

	logger.Infow("running", "config", cfg.ConfigFilePath, "model", cfg.Model.Path, "web", cfg.Web.Addr)
	return group.Wait()
}

func newSource(cfg *config.Config, pool *rimage.BufferPool, named func(string) logging.Logger) (capture.Source, error) {
	if cfg.Video.Input != "" {
		return capture.NewVideoSource(capture.VideoOptions{
			Input:     cfg.Video.Input,
			InputArgs: cfg.Video.InputArgs,
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FPS:       cfg.Video.FPS,
		}, pool, named("video"))
	}
	return capture.NewReplaySource(capture.ReplayOptions{
		Dir:    cfg.Replay.Dir,
		FPS:    cfg.Replay.FPS,
		Width:  cfg.Replay.Width,
		Height: cfg.Replay.Height,
		Once:   cfg.Replay.Once,
	}, pool, named("replay"))
}
