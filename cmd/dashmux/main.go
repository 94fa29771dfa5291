package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dashmux/dash"
	"github.com/zsiec/dashmux/internal/certs"
	"github.com/zsiec/dashmux/internal/distribution"
	"github.com/zsiec/dashmux/internal/pipeline"
	"github.com/zsiec/dashmux/internal/stream"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{
		mgr:   stream.NewManager(nil),
		pulls: make(map[string]*activePull),
	}

	wtAddr := envOr("WT_ADDR", ":4443")
	webDir := envOr("WEB_DIR", "web/dist")
	apiAddr := envOr("API_ADDR", ":4444")

	slog.Info("dashmux starting",
		"version", version,
		"webtransport", wtAddr,
		"api", apiAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.ctx = ctx

	var distErr error
	a.distSrv, distErr = distribution.NewServer(distribution.ServerConfig{
		Addr:         wtAddr,
		WebDir:       webDir,
		Cert:         cert,
		DASHPull:     a.startDASHPull,
		DASHStop:     a.stopDASHPull,
		DASHList:     a.listDASHPulls,
		StreamLister: a.listStreams,
	})
	if distErr != nil {
		slog.Error("failed to create distribution server", "error", distErr)
		os.Exit(1)
	}

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: a.distSrv.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.distSrv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// activePull tracks one manifest URL currently being pulled and demuxed.
type activePull struct {
	manifestURL string
	cancel      context.CancelFunc
}

type app struct {
	ctx     context.Context
	mgr     *stream.Manager
	distSrv *distribution.Server

	mu    sync.Mutex
	pulls map[string]*activePull
}

// startDASHPull opens manifestURL as a DASH source and starts forwarding
// its packets to the viewer relay registered under streamKey. It returns
// once the demuxer has been opened; demuxing continues in the background
// until the stream ends or stopDASHPull is called.
func (a *app) startDASHPull(manifestURL, streamKey string) error {
	a.mu.Lock()
	if _, exists := a.pulls[streamKey]; exists {
		a.mu.Unlock()
		return fmt.Errorf("stream key %q already has an active pull", streamKey)
	}
	a.mu.Unlock()

	if _, created := a.mgr.Create(streamKey); !created {
		return fmt.Errorf("stream key %q already exists", streamKey)
	}

	demuxer, err := dash.Open(a.ctx, manifestURL, dash.DefaultOptions())
	if err != nil {
		a.mgr.Remove(streamKey)
		return fmt.Errorf("opening DASH source: %w", err)
	}

	pullCtx, cancel := context.WithCancel(a.ctx)

	a.mu.Lock()
	a.pulls[streamKey] = &activePull{manifestURL: manifestURL, cancel: cancel}
	a.mu.Unlock()

	relay := a.distSrv.RegisterStream(streamKey)
	p := pipeline.New(streamKey, demuxer, relay)
	p.SetProtocol("DASH")
	a.distSrv.SetPipeline(streamKey, p)

	go func() {
		defer demuxer.Close()
		defer a.teardownStream(streamKey)

		slog.Info("DASH pull started", "key", streamKey, "manifest", manifestURL)
		if err := p.Run(pullCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("pipeline error", "stream", streamKey, "error", err)
		}
		slog.Info("DASH pull ended", "key", streamKey)
	}()

	return nil
}

// stopDASHPull cancels an active pull by stream key.
func (a *app) stopDASHPull(streamKey string) error {
	a.mu.Lock()
	pull, ok := a.pulls[streamKey]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	pull.cancel()
	return nil
}

// listDASHPulls returns every currently active DASH pull.
func (a *app) listDASHPulls() []distribution.DASHPullInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]distribution.DASHPullInfo, 0, len(a.pulls))
	for key, pull := range a.pulls {
		out = append(out, distribution.DASHPullInfo{
			ManifestURL: pull.manifestURL,
			StreamKey:   key,
		})
	}
	return out
}

func (a *app) listStreams() []distribution.StreamInfo {
	streams := a.mgr.List()
	infos := make([]distribution.StreamInfo, len(streams))
	for i, s := range streams {
		relay := a.distSrv.GetRelay(s.Key)
		viewers := 0
		if relay != nil {
			viewers = relay.ViewerCount()
		}
		info := distribution.StreamInfo{
			Key:     s.Key,
			Viewers: viewers,
		}

		p := a.distSrv.GetPipeline(s.Key)
		if p != nil {
			snap := p.StreamSnapshot()
			info.VideoCodec = snap.Video.Codec
			info.Width = snap.Video.Width
			info.Height = snap.Video.Height
			info.AudioTracks = len(snap.Audio)
			for _, audio := range snap.Audio {
				info.AudioChannels += audio.Channels
			}
			info.HasCaptions = snap.Captions.TotalFrames > 0
			info.CaptionChannels = snap.Captions.ActiveChannels
			info.HasSCTE35 = snap.SCTE35.TotalEvents > 0
			info.Protocol = snap.Protocol
			info.UptimeMs = snap.UptimeMs
			info.Description = buildStreamDescription(info)
		}

		infos[i] = info
	}
	return infos
}

// teardownStream removes all resources for a stream across the distribution
// server, stream manager, and active-pull registry in a single call.
func (a *app) teardownStream(key string) {
	a.distSrv.UnregisterStream(key)
	a.mgr.Remove(key)

	a.mu.Lock()
	delete(a.pulls, key)
	a.mu.Unlock()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildStreamDescription(info distribution.StreamInfo) string {
	var parts []string

	if info.Width > 0 && info.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", info.Width, info.Height))
	}

	if info.AudioTracks > 0 {
		if info.AudioTracks == 1 {
			parts = append(parts, "1 audio track")
		} else {
			parts = append(parts, fmt.Sprintf("%d audio tracks", info.AudioTracks))
		}
	}

	if info.HasCaptions {
		n := len(info.CaptionChannels)
		if n > 0 {
			parts = append(parts, fmt.Sprintf("CC (%d ch)", n))
		} else {
			parts = append(parts, "CC")
		}
	}

	if info.HasSCTE35 {
		parts = append(parts, "SCTE-35")
	}

	return strings.Join(parts, " · ")
}
