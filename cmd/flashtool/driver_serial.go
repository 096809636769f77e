package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/arksine/katapult-flashtool/internal/flash"
	"github.com/arksine/katapult-flashtool/internal/serialport"
)

func runSerial(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	fwPath := expandUser(cfg.firmware)
	if st, err := os.Stat(fwPath); err != nil || st.IsDir() {
		return flash.Errorf(flash.KindInvalidInput, "invalid firmware path %q", fwPath)
	}
	fmt.Printf("Flashing Serial Device %s, baud %d\n", cfg.device, cfg.baud)
	if err := serialport.CheckInUse(ctx, cfg.device, os.Stdout); err != nil {
		return flash.Errorf(flash.KindInvalidInput, "%w", err)
	}

	device := cfg.device
	var info serialport.USBInfo
	if usbPath := serialport.USBDevicePath(device); usbPath != "" {
		info = serialport.ReadUSBInfo(usbPath)
	}
	var product string
	switch {
	case info.Manufacturer == "klipper" || info.ID == serialport.KlipperUSBID:
		fmt.Println("Detected USB device running Klipper")
		newDev, err := serialport.EnterUSBBootloader(ctx, device, cfg.baud, os.Stdout)
		if err != nil {
			return err
		}
		device = newDev
		if cfg.requestBootloader {
			return nil
		}
		product = info.Product
	case info.Manufacturer == "katapult" || info.ID == serialport.KatapultUSBID:
		fmt.Println("Detected USB device running Katapult")
		if cfg.requestBootloader {
			return nil
		}
		product = info.Product
	case cfg.requestBootloader:
		// Plain RS-232: write the bootloader magic and exit.
		return serialport.RequestSerialBootloader(ctx, device, cfg.baud, os.Stdout)
	}

	port, err := serialport.Open(device, cfg.baud)
	if err != nil {
		return flash.Errorf(flash.KindTransportIO, "%w", err)
	}
	sock := serialport.NewSocket(port)
	defer sock.Close()

	fl := flash.New(sock, fwPath, flash.WithLogger(l))
	defer fl.Finish(ctx)
	if serialport.HasDoubleBuffering(product) {
		// STM32 usbfs double buffering holds the first reply until a second
		// command arrives; flush it before CONNECT.
		if err := fl.Prime(); err != nil {
			return err
		}
	}
	if err := fl.Connect(ctx); err != nil {
		return err
	}
	if err := fl.SendFile(ctx); err != nil {
		return err
	}
	return fl.VerifyFile(ctx)
}
