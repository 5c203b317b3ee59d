package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"birbstream/native/internal/chat"
	"birbstream/native/internal/config"
	"birbstream/native/internal/domain"
	"birbstream/native/internal/httpapi"
	"birbstream/native/internal/metrics"
	"birbstream/native/internal/registry"
	"birbstream/native/internal/relay"
	"birbstream/native/internal/signaling"
	"birbstream/native/internal/source"
	"birbstream/native/internal/webrtc"

	"github.com/spf13/pflag"
)

const helpText = `birbstream - Relay one live H264 stream to many WebRTC viewers

Usage:
  birbstream [options]

The stream comes from RTP on a UDP port (SOURCE=rtp) or from a looping
Annex-B file (SOURCE=file). Browsers POST an SDP offer to /webrtc/offer
and receive the answer; every connected viewer gets the same stream.

Environment Variables:
  LISTEN_ADDR          HTTP listen address (default :8051)
  SOURCE               rtp or file (default rtp)
  RTP_LISTEN_ADDR      UDP address for RTP/H264 input (default 127.0.0.1:5004)
  H264_FILE            Annex-B file for SOURCE=file
  FRAME_RATE           frames per second (default 30)
  ICE_SERVERS          comma-separated STUN/TURN URLs
  NEGOTIATION_TIMEOUT  bound on one offer/answer exchange (default 15s)
  DISCONNECT_GRACE     time a disconnected viewer may take to recover (default 0s)
  SINK_QUEUE_SIZE      samples buffered per viewer (default 256)
  CHAT_HISTORY         chat messages replayed to new clients (default 50)
  PION_LOG_LEVEL       disabled, error, warn, info, debug or trace (default error)

Examples:
  # Feed a webcam
  ffmpeg -f v4l2 -i /dev/video0 -c:v libx264 -profile:v baseline \
    -tune zerolatency -f rtp rtp://127.0.0.1:5004
  birbstream

  # Loop a recording
  SOURCE=file H264_FILE=birds.h264 birbstream --listen :8080

Options:
`

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	var configPath, listen string
	flags := pflag.NewFlagSet("birbstream", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&listen, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	flags.BoolP("help", "h", false, "show this help message")
	flags.Usage = func() {
		fmt.Print(helpText)
		fmt.Print(flags.FlagUsages())
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if help, _ := flags.GetBool("help"); help {
		flags.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	// Step 1: Open the frame source
	src, err := openSource(cfg)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	// Step 2: WebRTC API
	negotiator, err := webrtc.NewNegotiator(webrtc.Config{
		ICEServers: cfg.ICEServers,
		LogLevel:   cfg.PionLogLevel,
	})
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	// Step 3: Relay, registry, chat and the signaling service
	m := metrics.New()
	rel := relay.New(src, relay.Config{
		MimeType:  relay.MimeTypeH264,
		QueueSize: cfg.SinkQueueSize,
		Metrics:   m,
	})
	reg := registry.New(m)
	hub := chat.NewHub(chat.Config{History: cfg.ChatHistory, Metrics: m})
	svc := signaling.New(signaling.Config{
		Registry:           reg,
		Relay:              rel,
		Negotiator:         negotiator,
		Broadcaster:        hub,
		Metrics:            m,
		NegotiationTimeout: cfg.NegotiationTimeout,
		DisconnectGrace:    cfg.DisconnectGrace,
	})
	rel.OnSinkFailure(svc.SinkFailed)

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := rel.Run(ctx); err != nil {
			log.Printf("[main] relay stopped: %v", err)
			cancel()
		}
	}()
	go svc.Run(ctx)

	// Step 4: HTTP API
	api := httpapi.New(httpapi.Config{
		Sessions: svc,
		Chat:     hub,
		Metrics:  m.Handler(),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] http server: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}
	hub.Close()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] session shutdown: %v", err)
	}
	<-relayDone
	if err := rel.Close(); err != nil {
		log.Printf("[main] close source: %v", err)
	}

	log.Printf("[main] done")
}

func openSource(cfg *config.Config) (domain.FrameSource, error) {
	switch cfg.Source {
	case config.SourceFile:
		src, err := source.OpenFile(cfg.H264File, cfg.FrameRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		return src, nil
	default:
		src, err := source.ListenRTP(cfg.RTPListenAddr, cfg.FrameRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		return src, nil
	}
}
