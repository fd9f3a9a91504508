// Package main runs the piece detector: a camera detection session with an
// HTTP operator API, plus one-shot scanning of still images.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manuroe/gagne-ton-papa/config"
	"github.com/manuroe/gagne-ton-papa/detections"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/logging"
	"github.com/manuroe/gagne-ton-papa/metrics"
	"github.com/manuroe/gagne-ton-papa/models"
	"github.com/manuroe/gagne-ton-papa/pieces"
	"github.com/manuroe/gagne-ton-papa/session"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const (
	// Flags.
	flagConfig     = "config"
	flagDebug      = "debug"
	flagModel      = "model"
	flagCamera     = "camera"
	flagAddr       = "addr"
	flagConfirmAll = "confirm-all"
	flagOutput     = "output"
)

func main() {
	var (
		cfg    *config.Config
		logger *zap.SugaredLogger
	)

	app := &cli.App{
		Name:    "piece-detector",
		Usage:   "detect puzzle pieces from a camera and hand them to the solver",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagModel,
				Usage: "ONNX model `PATH`",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = config.Load(c.String(flagConfig))
			if err != nil {
				return err
			}
			if c.IsSet(flagModel) {
				cfg.Model.Path = c.String(flagModel)
			}
			if c.Bool(flagDebug) {
				cfg.Log.Level = "debug"
				cfg.Log.Development = true
			}

			zl, err := logging.New("pieces", cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			logger = zl.Sugar()
			return nil
		},
		After: func(*cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the detection session and the operator API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagCamera,
						Usage: "frame source, dir:<path> or file:<path>",
					},
					&cli.StringFlag{
						Name:  flagAddr,
						Usage: "listen `ADDRESS`",
					},
				},
				Action: func(c *cli.Context) error {
					if c.IsSet(flagCamera) {
						cfg.Camera.Source = c.String(flagCamera)
					}
					if c.IsSet(flagAddr) {
						cfg.Server.Addr = c.String(flagAddr)
					}
					if err := config.Validate(cfg); err != nil {
						return errors.Wrap(err, "invalid configuration")
					}
					return serve(c.Context, cfg, logger)
				},
			},
			{
				Name:      "scan",
				Usage:     "detect the pieces in one image",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagConfirmAll,
						Usage: "hand every detected piece to the solver",
					},
					&cli.StringFlag{
						Name:  flagOutput,
						Usage: "write the hand-off to `FILE` instead of solver.output_path",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("scan needs exactly one image path")
					}
					if c.IsSet(flagOutput) {
						cfg.Solver.OutputPath = c.String(flagOutput)
					}
					return scan(c, cfg, logger, c.Args().First(), c.Bool(flagConfirmAll))
				},
			},
			{
				Name:  "pieces",
				Usage: "list the piece catalog and the trained classes",
				Action: func(c *cli.Context) error {
					return listPieces(c)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSolver(cfg *config.Config, logger *zap.SugaredLogger) session.Solver {
	if cfg.Solver.OutputPath != "" {
		return NewFileSolver(cfg.Solver.OutputPath)
	}
	return NewLogSolver(logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	factory := engineFactory(cfg)

	if err := initRuntime(cfg, logger); err != nil {
		// The operator still gets a session that reports the model as
		// unavailable.
		logger.Errorw("onnxruntime unavailable", "error", err)
		factory = func() (inference.Engine, error) { return nil, err }
	} else {
		defer inference.DestroyRuntime()
	}

	pool, err := NewEnginePool(factory, cfg.Pool.Size, cfg.Pool.AcquireTimeout, m, logger.Named("pool"))
	if err != nil {
		logger.Errorw("engine pool unavailable", "error", err)
		pool = nil
	}

	sessions := newSessionManager(cfg, factory, sourceFactory(cfg), newSolver(cfg, logger), m, logger.Named("session"))
	srv := newServer(cfg, pool, sessions, m, logger)

	httpServer := &http.Server{
		Handler:      srv.routes(),
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		logger.Infow("starting server", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if pool != nil {
		if derr := pool.Destroy(); derr != nil {
			logger.Warnw("destroying engine pool", "error", derr)
		}
	}
	return err
}

func scan(c *cli.Context, cfg *config.Config, logger *zap.SugaredLogger, path string, confirmAll bool) error {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}

	if err := initRuntime(cfg, logger); err != nil {
		return err
	}
	defer inference.DestroyRuntime()

	engine, err := engineFactory(cfg)()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := detections.ProcessImage(c.Context, img, newCycle(cfg, engine, nil, logger, nil), path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PIECE\tNAME\tCONFIDENCE\tX\tY\tW\tH")
	for _, d := range res.Detections {
		b := d.BBox
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%.0f\t%.0f\t%.0f\t%.0f\n",
			d.PieceID, pieces.ClassName(d.ClassID), d.Confidence, b.X, b.Y, b.Width, b.Height)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, detectionMessage(len(res.Detections)))

	if !confirmAll {
		return nil
	}
	ids := lo.Uniq(lo.Map(res.Detections, func(d models.Detection, _ int) int { return d.PieceID }))
	if len(ids) == 0 {
		return errors.New(MsgNothingConfirmed)
	}
	fmt.Fprintln(c.App.Writer, selectionMessage(ids))
	return newSolver(cfg, logger).Solve(c.Context, ids)
}

func listPieces(c *cli.Context) error {
	classOf := map[int]int{}
	for _, e := range pieces.ClassTable {
		if _, ok := classOf[e.PieceID]; !ok {
			classOf[e.PieceID] = e.ClassIndex
		}
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCELLS\tCLASS")
	for _, p := range pieces.Catalog {
		class := "-"
		if ci, ok := classOf[p.ID]; ok {
			class = strconv.Itoa(ci)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", p.ID, p.Shape.Name, p.Shape.CellCount(), class)
	}
	return w.Flush()
}
