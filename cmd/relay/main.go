// Command relay is the signaling server sendrecv peers register with.
//
// Peers register with "HELLO <id>", ask for a partner with "SESSION <id>" and
// from then on every frame is forwarded verbatim to the partner.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/sendrecv/internal/config"
	"github.com/1ureka/sendrecv/internal/relay"
	"github.com/1ureka/sendrecv/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := relay.New(cfg.KeepaliveTimeout).ListenAndServe(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
