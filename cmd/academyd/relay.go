package main

import (
	"context"
	"io"
	"net"

	"github.com/RatAcad/bpodacademy/internal/config"
	"github.com/RatAcad/bpodacademy/internal/engine"
	"github.com/RatAcad/bpodacademy/internal/logging"
	"github.com/RatAcad/bpodacademy/internal/relay"
)

// startRelay connects the event-timestamping relay when one is
// configured and appends every edge event to the relay log. The EMU
// locator substitutes the software device over an in-memory link, the
// same substitution the engine makes for emulated boxes.
func startRelay(ctx context.Context, settings config.Settings, logger *logging.Logger) (io.Closer, error) {
	var link *relay.Link
	if settings.RelayPort == engine.EmulatorLocator {
		hostSide, deviceSide := net.Pipe()
		device := relay.NewDevice(relay.DeviceOptions{})
		go func() { _ = device.Serve(deviceSide) }()
		link = relay.NewLink(hostSide, logger)
	} else {
		var err error
		link, err = relay.Open(settings.RelayPort, settings.RelayBaudRate, logger)
		if err != nil {
			return nil, err
		}
	}

	if err := link.Connect(ctx); err != nil {
		_ = link.Close()
		return nil, err
	}

	eventLog, err := engine.OpenExecLog(settings.LogDir(), "relay")
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	eventLog.Note("relay connected port=" + settings.RelayPort)
	logger.Info("relay connected", map[string]string{"port": settings.RelayPort})

	go func() {
		defer eventLog.Close()
		for {
			select {
			case frame := <-link.Events():
				eventLog.Note("event " + frame.String())
			case <-ctx.Done():
				return
			}
		}
	}()
	return link, nil
}
