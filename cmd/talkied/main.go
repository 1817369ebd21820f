package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"talkie/internal/app"
	"talkie/internal/broadcast"
	"talkie/internal/host"
	"talkie/internal/speech"
	logx "talkie/pkg/logx"
	"talkie/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	log := a.Logger().With(logx.String("comp", "main"))

	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	go func() {
		if err := systemd.Watchdog(ctx); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	lines := make(chan string)
	go readLines(lines)

	// stdin plays the popup: one line, one speak-text broadcast.
	popup := a.Host().Open(host.KindPopup)
	if _, err := host.WatchSpeaking(popup); err != nil {
		log.Error("watch speaking failed", logx.Err(err))
	}

	reason := app.StopSignal
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case line, ok := <-lines:
			if !ok {
				reason = app.StopStdinEOF
				break loop
			}
			speak(ctx, log, popup, line)
		}
	}

	if err := a.Err(); err != nil {
		log.Error("fatal error", logx.Err(err))
	}
	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		os.Exit(1)
	}
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func speak(ctx context.Context, log logx.Logger, popup *host.Page, line string) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return
	case "/stop":
		_, err := popup.Broadcast(ctx, broadcast.EventStopSpeaking, nil)
		if err != nil {
			log.Warn("stop failed", logx.Err(err))
		}
		return
	}

	// Speak in the background so "/stop" on the next line can interrupt.
	go func() {
		_, err := popup.Broadcast(ctx, broadcast.EventSpeakText, speech.SpeakRequest{Text: line, PageID: popup.ID()})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, speech.ErrClosed) {
			log.Warn("speak failed", logx.Err(err))
		}
	}()
}
