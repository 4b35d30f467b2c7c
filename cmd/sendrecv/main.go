// Command sendrecv is the offering side of a two-way WebRTC media session.
//
// It registers with a signaling relay, binds to the peer named by -peer-id
// and negotiates a two-way VP8/Opus WebRTC session with it. This side always
// sends the offer. Every flag has an environment fallback (SENDRECV_*).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/sendrecv/internal/config"
	"github.com/1ureka/sendrecv/internal/session"
	"github.com/1ureka/sendrecv/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Sendrecv v%s", version))
	pterm.Println()

	util.LogInfo("calling %q as %q via %s", cfg.RemoteID, cfg.LocalID, cfg.ServerURL)

	if err := session.New(cfg).Run(ctx); err != nil {
		util.LogError("session failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed session")
}
