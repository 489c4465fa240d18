package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/Math49/chat-client/pkg/config"
	"github.com/Math49/chat-client/pkg/media"
	"github.com/Math49/chat-client/pkg/profiling"
	"github.com/Math49/chat-client/pkg/relay"
	"github.com/Math49/chat-client/pkg/session"
	"github.com/Math49/chat-client/pkg/signal"
	"github.com/Math49/chat-client/pkg/telemetry"
	"github.com/Math49/chat-client/pkg/webrtcext"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
		callTarget     = flag.String("call", "", "peer id to dial once connected")
		withVideo      = flag.Bool("video", false, "capture video in addition to audio")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(*memProfile))
	}

	// Handle signal interruptions.
	interrupted := make(chan os.Signal, 2)
	ossignal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx := context.Background()

	if cfg.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
		}
		deferredFunctions = append(deferredFunctions, func() {
			if err := provider.Shutdown(ctx); err != nil {
				logrus.WithError(err).Error("could not shut telemetry down")
			}
		})
	}

	// Local capture devices.
	provider, err := media.NewDeviceProvider()
	if err != nil {
		logrus.WithError(err).Fatal("could not initialize capture devices")
	}
	mediaManager := media.NewManager(provider, logrus.WithField("component", "media"))

	// Peer connections.
	connections, err := webrtcext.NewPeerConnectionFactory(cfg.WebRTC)
	if err != nil {
		logrus.WithError(err).Fatal("could not initialize webrtc")
	}

	callSession := session.New(
		cfg.Call,
		mediaManager,
		session.NewWebRTCLinkFactory(connections),
		logrus.WithField("component", "session"),
	)
	defer callSession.Close()

	// Connect to the relay and route inbound frames into the session.
	var client *relay.Client
	client, err = relay.Dial(ctx, cfg.Relay, cfg.DisplayName, func(envelope relay.Envelope) {
		payload, err := signal.Decode(envelope.Data)
		if err != nil {
			logrus.WithError(err).WithField("from", envelope.From).Warn("dropping malformed signal")
			return
		}
		callSession.HandleIncomingSignal(envelope.From, envelope.DisplayName, payload, envelope.Video)
	}, logrus.WithField("component", "relay"))
	if err != nil {
		logrus.WithError(err).Fatal("could not connect to the relay")
	}
	defer client.Close()

	emitTo := func(peerID string, video bool) session.EmitFunc {
		return func(payload signal.Payload) {
			data, err := signal.Encode(payload)
			if err != nil {
				logrus.WithError(err).Error("could not encode signal")
				return
			}
			client.Send(peerID, video, data)
		}
	}

	// React to session state changes: log them and auto-accept incoming calls,
	// this client has no interactive call UI.
	updates, unsubscribe := callSession.Subscribe()
	defer unsubscribe()
	go func() {
		for change := range updates {
			logger := logrus.WithField("phase", change.Phase)
			if change.Peer != nil {
				logger = logger.WithField("peer_id", change.Peer.ID)
			}
			if change.Err != nil {
				logger.WithError(change.Err).Warn("call state changed")
			} else {
				logger.Info("call state changed")
			}

			if change.Phase == session.PhaseIncoming && change.Peer != nil {
				peer := *change.Peer
				go func() {
					err := callSession.AcceptCall(ctx, peer.ID, peer.DisplayName,
						emitTo(peer.ID, peer.VideoEnabled), peer.VideoEnabled)
					if err != nil {
						logrus.WithError(err).Warn("could not accept the call")
					}
				}()
			}
		}
	}()

	if *callTarget != "" {
		go func() {
			err := callSession.StartCall(ctx, *callTarget, *callTarget, emitTo(*callTarget, *withVideo), *withVideo)
			if err != nil {
				logrus.WithError(err).Error("could not start the call")
			}
		}()
	}

	<-interrupted
	logrus.Info("shutting down")

	// Tell the remote party we are gone before tearing the session down.
	if remote := callSession.Remote(); remote != nil {
		if data, err := signal.Encode(signal.Hangup{}); err == nil {
			client.Send(remote.ID, false, data)
		}
	}
	callSession.Hangup()
	for _, function := range deferredFunctions {
		function()
	}
}
