// tapestry-gateway serves rendered tiles over HTTP. It starts one tile
// server process and forwards every /image/ request to it as a request
// line, returning the framed image it answers with.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/seelabutk/tapestry-moana/internal/tileserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port      int
		bind      string
		root      string
		format    string
		logLevel  string
		logFormat string
		timeout   time.Duration
	)
	flagSet := pflag.NewFlagSet("tapestry-gateway", pflag.ContinueOnError)
	flagSet.IntVar(&port, "port", 8860, "port to listen on")
	flagSet.StringVar(&bind, "bind", "", "address to bind (all interfaces if empty)")
	flagSet.StringVar(&root, "root", ".", "directory holding static/ and favicon.ico")
	flagSet.StringVar(&format, "format", "jpeg", "tile encoding the server was started with: jpeg or png")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "auto", "text, json or auto")
	flagSet.DurationVar(&timeout, "tile-timeout", tileserver.DefaultTileTimeout, "longest wait for one tile before the tile server is stopped (0 = no limit)")
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
	args := flagSet.Args()
	if len(args) != 1 {
		printHelp(flagSet)
		return errors.New("expected exactly one argument: the tile server command")
	}

	logger, err := tileserver.NewLogger(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	tileserver.SetLogger(logger)
	compressor, err := tileserver.CompressorFor(format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := tileserver.StartProcess(ctx, args[0], root)
	if err != nil {
		return err
	}
	gateway.SetContentType(compressor.ContentType())
	gateway.Timeout = timeout

	address := net.JoinHostPort(bind, strconv.Itoa(port))
	server := &http.Server{
		Addr:              address,
		Handler:           gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", address)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		_ = gateway.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := gateway.Close(); err != nil {
		logger.Debug("tile server exited", "err", err)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tapestry-gateway serves tiles from a tile server process over HTTP.

Usage:
  tapestry-gateway [flags] "<tile server command>"

Example:
  tapestry-gateway --port 8860 "moana-tileserver --lights-file sunset.xml"

Routes:
  GET /image/<what>/<x>/<y>/<z>/<ux>/<uy>/<uz>/<vx>/<vy>/<vz>/<quality>/<options>
  GET /, /static/..., /favicon.ico

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
