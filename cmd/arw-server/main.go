// Command arw-server runs the agent runtime: it loads configuration, wires
// the Application composition root, and serves the HTTP admin surface and
// the gRPC stream mirror side by side until an interrupt or terminate
// signal asks it to shut down.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/arwlocal/runtime/internal/app"
	"github.com/arwlocal/runtime/internal/app/httpapi"
	"github.com/arwlocal/runtime/internal/app/streamapi"
	"github.com/arwlocal/runtime/internal/config"
)

func main() {
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides ARW_HTTP_ADDR)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC listen address (overrides ARW_GRPC_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		fatal("build application: %v", err)
	}
	defer application.Close()

	rlog := application.Log
	manager := application.Manager()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(rootCtx); err != nil {
		fatal("start services: %v", err)
	}

	httpSvc := httpapi.NewService(application, cfg.HTTPAddr, cfg.AdminToken, rlog)
	if err := httpSvc.Start(rootCtx); err != nil {
		fatal("start http server: %v", err)
	}
	rlog.WithFields(map[string]any{"addr": cfg.HTTPAddr}).Info("http server listening")

	grpcServer := newGRPCServer(application)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal("listen grpc: %v", err)
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil && err != grpc.ErrServerStopped {
			rlog.WithError(err).Error("grpc server error")
		}
	}()
	rlog.WithFields(map[string]any{"addr": cfg.GRPCAddr}).Info("grpc server listening")

	<-rootCtx.Done()
	rlog.WithFields(nil).Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := httpSvc.Stop(shutdownCtx); err != nil {
		rlog.WithError(err).Error("http shutdown")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		rlog.WithError(err).Error("service manager shutdown")
	}
}

func newGRPCServer(application *app.Application) *grpc.Server {
	srv := grpc.NewServer()
	streamapi.RegisterServer(srv, streamapi.NewServer(application.Store, application.Pipeline, application.Bus, application.Log))
	return srv
}

func fatal(format string, args ...any) {
	log.Fatalf("arw-server: "+format, args...)
}
