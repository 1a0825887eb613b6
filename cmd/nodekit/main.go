// Command nodekit runs the HTTP surface over the embeddable nodekit
// library, mirroring the teacher's server.Serve bootstrap: flag-parsed
// config, a structured logger, rex middleware stack, graceful shutdown on
// signal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logx "github.com/ije/gox/log"
	"github.com/ije/rex"

	"github.com/nodekit-dev/nodekit/internal/config"
	"github.com/nodekit-dev/nodekit/internal/httpapi"
	"github.com/nodekit-dev/nodekit/internal/installer"
	"github.com/nodekit-dev/nodekit/internal/registry"
	"github.com/nodekit-dev/nodekit/internal/resolver"
	"github.com/nodekit-dev/nodekit/internal/runtime"
	"github.com/nodekit-dev/nodekit/internal/store"
	"github.com/nodekit-dev/nodekit/internal/transpile"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logDSN := ""
	if cfg.LogDir != "" {
		logDSN = fmt.Sprintf("file:%s/nodekit.log?buffer=32k", cfg.LogDir)
	}
	log, err := logx.New(logDSN)
	if err != nil {
		log = &logx.Logger{}
	}
	log.SetLevelByName(cfg.LogLevel)

	store.SetLogger(log)
	registry.SetLogger(log)
	installer.SetLogger(log)
	resolver.SetLogger(log)
	transpile.SetLogger(log)
	runtime.SetLogger(log)

	srv, err := httpapi.New(cfg, log)
	if err != nil {
		log.Errorf("init: %v", err)
		os.Exit(1)
	}

	rex.Use(
		rex.ErrorLogger(log),
		rex.Header("Server", "nodekit"),
		rex.Cors(rex.CORS{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "DELETE"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length"},
			MaxAge:          3600,
		}),
		srv.Handle(),
	)

	c := rex.Serve(rex.ServerConfig{Port: uint16(cfg.Port)})
	log.Infof("nodekit listening on :%d", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	select {
	case <-sig:
	case err := <-c:
		log.Error(err)
	}
	log.FlushBuffer()
}
