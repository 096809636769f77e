package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/arksine/katapult-flashtool/internal/canbus"
	"github.com/arksine/katapult-flashtool/internal/flash"
)

// Settling delays between admin steps give devices time to re-enumerate on
// the bus after a reboot or node-ID change.
const (
	jumpSettle   = 500 * time.Millisecond
	clearSettle  = 1 * time.Second
	assignSettle = 500 * time.Millisecond
	querySettle  = 500 * time.Millisecond
)

func runCAN(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	sock, err := canbus.Open(ctx, cfg.canIf)
	if err != nil {
		return flash.Errorf(flash.KindInvalidInput, "%w", err)
	}
	defer sock.Close()

	if cfg.query {
		return queryNodes(ctx, sock, querySettle)
	}
	if cfg.uuid == "" {
		return flash.Errorf(flash.KindInvalidInput,
			"the 'uuid' option must be specified to flash a device")
	}
	uuid, err := canbus.ParseUUID(cfg.uuid)
	if err != nil {
		return flash.Errorf(flash.KindInvalidInput, "%w", err)
	}
	fwPath := expandUser(cfg.firmware)
	if !cfg.requestBootloader {
		if st, serr := os.Stat(fwPath); serr != nil || st.IsDir() {
			return flash.Errorf(flash.KindInvalidInput, "invalid firmware path %q", fwPath)
		}
	}

	fmt.Printf("Flashing CAN UUID %s on interface %s\n", uuid, cfg.canIf)
	fmt.Println("Sending bootloader jump command...")
	if err := sock.JumpToBootloader(uuid); err != nil {
		return err
	}
	if err := sleepCtx(ctx, jumpSettle); err != nil {
		return err
	}
	if cfg.requestBootloader {
		fmt.Println("Bootloader request command sent")
		return nil
	}
	fmt.Println("Resetting all bootloader node IDs...")
	if err := sock.ResetNodeIDs(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, clearSettle); err != nil {
		return err
	}
	fmt.Println("Checking for Katapult nodes...")
	devices, err := sock.QueryUnassigned(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, d := range devices {
		fmt.Printf("Detected UUID: %s, Application: %s\n", d.UUID, d.Application)
		if d.UUID == uuid && d.Application == canbus.AppKatapult {
			found = true
		}
	}
	if !found {
		return flash.Errorf(flash.KindInvalidInput,
			"unable to find node matching UUID: %s", uuid)
	}
	node, err := sock.AssignNodeID(uuid)
	if err != nil {
		return err
	}
	if err := sleepCtx(ctx, assignSettle); err != nil {
		return err
	}

	fl := flash.New(node, fwPath, flash.WithLogger(l))
	defer fl.Finish(ctx)
	if err := fl.Connect(ctx); err != nil {
		return err
	}
	if err := fl.VerifyCanbusUUID(ctx, uuid); err != nil {
		return err
	}
	if err := fl.SendFile(ctx); err != nil {
		return err
	}
	return fl.VerifyFile(ctx)
}

func queryNodes(ctx context.Context, sock *canbus.Socket, settle time.Duration) error {
	fmt.Println("Resetting all bootloader node IDs...")
	if err := sock.ResetNodeIDs(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, settle); err != nil {
		return err
	}
	fmt.Println("Checking for Katapult nodes...")
	devices, err := sock.QueryUnassigned(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("Detected UUID: %s, Application: %s\n", d.UUID, d.Application)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
