// moana-tileserver reads render requests from stdin, one per line, and
// writes every rendered tile as a "<len>:<bytes>," record to a pre-opened
// frame descriptor (100 unless --frames-fd says otherwise).
//
// Request lines:
//
//	x y z ux uy uz vx vy vz width height tile_index n_cols n_rows fovy
//	x y z ux uy uz vx vy vz quality tile_index n_cols
//
// Typical use, with frames on stdout and logs on stderr:
//
//	moana-tileserver --lights-file sunset.xml 100>&1 1>&2
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/seelabutk/tapestry-moana/internal/tileserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// fileList is a repeatable path flag. Several flag names can share one list
// and the order of the command line is kept.
type fileList struct{ files *[]string }

func (l fileList) String() string     { return strings.Join(*l.files, ",") }
func (l fileList) Set(v string) error { *l.files = append(*l.files, v); return nil }
func (l fileList) Type() string       { return "path" }

type options struct {
	fullscreen     bool
	motionSpeed    float64
	searchText     string
	lightsFiles    []string
	configPath     string
	denoise        bool
	framesFD       int
	format         string
	quality        int
	activePreset   string
	rawDir         string
	rawCompression string
	workers        int
	spp            int
	logLevel       string
	logFormat      string
	cpuProfile     string
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("moana-tileserver", pflag.ContinueOnError)
	flagSet.BoolVar(&opts.fullscreen, "fullscreen", false, "accepted for compatibility; no effect")
	flagSet.Float64Var(&opts.motionSpeed, "motionSpeed", 0, "accepted for compatibility; no effect")
	flagSet.StringVar(&opts.searchText, "searchText", "", "accepted for compatibility; no effect")
	lights := fileList{files: &opts.lightsFiles}
	flagSet.Var(lights, "lights-file", "light preset XML file (repeatable)")
	flagSet.Var(lights, "lights-preset", "alias of --lights-file")
	flagSet.StringVar(&opts.configPath, "config", "", "scene configuration (.json, .yaml or .yml); built-in scene if empty")
	flagSet.BoolVar(&opts.denoise, "denoise", false, "denoise, normalize and sRGB encode every tile")
	flagSet.IntVar(&opts.framesFD, "frames-fd", tileserver.FramesFD, "descriptor frames are written to")
	flagSet.StringVar(&opts.format, "format", "jpeg", "tile encoding: jpeg or png")
	flagSet.IntVar(&opts.quality, "quality", tileserver.JPEGQuality, "JPEG quality (1-100)")
	flagSet.StringVar(&opts.activePreset, "active-preset", tileserver.DefaultPresetName, "light preset selected at startup (name or file base name)")
	flagSet.StringVar(&opts.rawDir, "raw-dir", "", "also dump every tile's float buffer into this directory")
	flagSet.StringVar(&opts.rawCompression, "raw-compression", "none", "raw dump compression: none, zstd or bg4lz4")
	flagSet.IntVar(&opts.workers, "workers", 0, "render workers (0 = all CPUs)")
	flagSet.IntVar(&opts.spp, "spp", 0, "samples per pixel (0 = from config)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&opts.logFormat, "log-format", "auto", "text, json or auto")
	flagSet.StringVar(&opts.cpuProfile, "cpuprofile", "", "write a CPU profile to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := tileserver.NewLogger(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	tileserver.SetLogger(logger)
	if opts.fullscreen || opts.motionSpeed != 0 || opts.searchText != "" {
		logger.Info("ignoring viewer options", "fullscreen", opts.fullscreen, "motionSpeed", opts.motionSpeed, "searchText", opts.searchText)
	}

	if opts.cpuProfile != "" {
		f, err := os.Create(opts.cpuProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return err
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	cfg, err := tileserver.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.spp > 0 {
		cfg.Spp = opts.spp
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}
	scene, err := cfg.BuildScene()
	if err != nil {
		return err
	}
	textures := tileserver.NewTextureLoader()
	defaultLights, err := cfg.BuildLights(textures)
	if err != nil {
		return err
	}
	engine := tileserver.NewSoftwareEngine(scene, cfg.EngineOptions())
	camera := cfg.CameraDefaults()
	if err := engine.SetCamera(camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	presets := tileserver.NewPresetRegistry()
	tileserver.ImportPresets(presets, opts.lightsFiles, textures, false)
	presets.Add(tileserver.DefaultPresetName, defaultLights)
	if err := presets.SelectByName(opts.activePreset); err != nil {
		return err
	}

	compressor, err := tileserver.CompressorFor(opts.format)
	if err != nil {
		return err
	}
	pipeline := &tileserver.Pipeline{Denoise: opts.denoise}
	if opts.denoise {
		pipeline.Denoiser = tileserver.NewBilateralDenoiser()
	}
	if opts.rawDir != "" {
		comp, err := tileserver.ParseRawCompression(opts.rawCompression)
		if err != nil {
			return err
		}
		pipeline.Raw = tileserver.NewRawDumper(opts.rawDir, comp)
	}

	out, err := openFrames(opts.framesFD)
	if err != nil {
		return err
	}
	defer out.Close()
	if term.IsTerminal(int(out.Fd())) {
		return fmt.Errorf("refusing to write binary frames to a terminal (descriptor %d)", opts.framesFD)
	}

	files := opts.lightsFiles
	server, err := tileserver.NewServer(tileserver.ServerOptions{
		Engine:   engine,
		Camera:   camera,
		Pipeline: pipeline,
		Encoder:  tileserver.NewEncoderAdapter(compressor, opts.quality),
		Presets:  presets,
		Output:   out,
		Reload: func(r *tileserver.PresetRegistry) error {
			if tileserver.ImportPresets(r, files, textures, true) == 0 && len(files) > 0 {
				return errors.New("no lights file could be imported")
			}
			return nil
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	watchPresetSignals(ctx, server)

	logger.Info("serving tile requests", "frames_fd", opts.framesFD, "presets", presets.Len(), "denoise", opts.denoise, "format", opts.format)
	if err := server.Serve(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `moana-tileserver renders camera tiles requested on stdin.

Usage:
  moana-tileserver [flags] 100>frames.bin

Signals:
  SIGHUP   re-import every lights file
  SIGUSR1  switch to the next light preset

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
