package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgwatch/internal/app"
)

func main() {
	var (
		cfgPath  string
		rulesDir string
		testMail bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to settings file (json or yaml, optional)")
	flag.StringVar(&rulesDir, "rules", "", "rules directory override")
	flag.BoolVar(&testMail, "test-mail", false, "send one test email and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{SettingsPath: cfgPath, RulesDir: rulesDir})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if testMail {
		if err := a.SendTestMail(ctx); err != nil {
			fmt.Println("test mail failed:", err)
			os.Exit(1)
		}
		fmt.Println("test mail sent")
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdogLoop(ctx)

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

// watchdogLoop pings the systemd watchdog at half its interval when the unit
// has WatchdogSec set; a no-op everywhere else.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
