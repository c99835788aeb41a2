package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"feishubot/internal/app"
	"feishubot/internal/feishu/delivery"
	"feishubot/plugins/feishu"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath string
		menu    string
		wait    time.Duration
	)
	flagSet := pflag.NewFlagSet("feishubot", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json, jsonc, yaml or toml)")
	flagSet.StringVar(&menu, "menu", "", "send the interactive menu to this chat id and exit")
	flagSet.DurationVar(&wait, "wait", 30*time.Second, "how long --menu waits for the delivery outcome")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	a.Plugins().Register(feishu.New())

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if menu != "" {
		err := sendMenu(ctx, a, menu, wait)
		stop(a, app.StopOneShot)
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// sendMenu triggers /feishu and waits for the delivery report.
func sendMenu(ctx context.Context, a *app.App, chatID string, wait time.Duration) error {
	reports, unsub := a.Bus().Subscribe(4, delivery.EventDelivered, delivery.EventFailed)
	defer unsub()

	if err := a.Trigger(ctx, "/feishu", map[string]any{"channel": chatID}); err != nil {
		return err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev := <-reports:
		rep, _ := ev.Data.(delivery.Report)
		if !rep.Outcome.OK() {
			return fmt.Errorf("menu not delivered: %s", rep.Outcome)
		}
		fmt.Printf("menu delivered to %s (message_id=%s)\n", rep.ChatID, rep.Outcome.MessageID)
		return nil
	case <-timer.C:
		return fmt.Errorf("no delivery outcome within %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
