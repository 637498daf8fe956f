// Command amdtpd is an example daemon wiring a YAML configuration to
// the streaming engine's client-facing API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"amdtpd/internal/config"
	"amdtpd/internal/port"
	"amdtpd/pkg/device"
)

func main() {
	cfgPath := flag.String("config", "amdtpd.yaml", "path to the device configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, logger, *cfgPath); err != nil {
		logger.Error("amdtpd: exiting with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger.Info("amdtpd: configuration loaded",
		"sample_rate", cfg.SampleRate, "channels", cfg.Channels,
		"period", cfg.Period, "nb_buffers", cfg.NbBuffers)

	tr := newStubTransport(logger)

	dev, err := device.Init(logger, tr, cfg)
	if err != nil {
		return err
	}

	for _, spec := range cfg.Ports {
		typ, enc, err := parsePortSpec(spec)
		if err != nil {
			return err
		}
		var regErr error
		switch spec.Direction {
		case "capture":
			_, regErr = dev.RegisterCapturePort(spec.Name, typ, enc, spec.Location)
		case "playback":
			_, regErr = dev.RegisterPlaybackPort(spec.Name, typ, enc, spec.Location)
		default:
			regErr = errInvalidDirection(spec.Direction)
		}
		if regErr != nil {
			return regErr
		}
	}

	if err := dev.Start(ctx); err != nil {
		return err
	}
	logger.Info("amdtpd: all streams running")

	for {
		select {
		case <-ctx.Done():
			logger.Info("amdtpd: shutting down")
			return dev.Finish()
		default:
		}

		n := dev.WaitPeriod(ctx)
		if n == 0 {
			logger.Warn("amdtpd: xrun detected, recovering", "xrun_count", dev.XrunCount())
			if err := dev.HandleXrun(ctx); err != nil {
				return err
			}
			continue
		}
		if err := dev.Transfer(); err != nil {
			logger.Error("amdtpd: transfer failed", "error", err)
		}
	}
}

func parsePortSpec(spec config.PortSpec) (port.Type, port.Encoding, error) {
	var typ port.Type
	switch spec.Type {
	case "audio":
		typ = port.Audio
	case "midi":
		typ = port.MIDI
	case "control":
		typ = port.Control
	default:
		return 0, 0, errInvalidPortType(spec.Type)
	}

	var enc port.Encoding
	switch spec.Encoding {
	case "int24", "":
		enc = port.Int24
	case "float":
		enc = port.Float
	case "midi_byte":
		enc = port.MidiByte
	default:
		return 0, 0, errInvalidEncoding(spec.Encoding)
	}
	return typ, enc, nil
}

type errInvalidDirection string

func (e errInvalidDirection) Error() string { return "amdtpd: invalid port direction: " + string(e) }

type errInvalidPortType string

func (e errInvalidPortType) Error() string { return "amdtpd: invalid port type: " + string(e) }

type errInvalidEncoding string

func (e errInvalidEncoding) Error() string { return "amdtpd: invalid port encoding: " + string(e) }
