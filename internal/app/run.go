package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/logtail"
	"github.com/petervdpas/callcore/internal/viewer"
)

var log = logging.Logger("app")

// subsystems whose level follows config.Log.Level.
var subsystems = []string{"app", "call", "signal", "viewer", "p2p"}

const (
	ConfigFile = "callcore.json"
	EnvFile    = ".env"
)

type Options struct {
	PeerDir string
}

// Run starts one peer rooted at opt.PeerDir and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	logBuf := logtail.New(800)
	stopCapture := logBuf.Capture()
	defer stopCapture()

	cfgPath := filepath.Join(opt.PeerDir, ConfigFile)
	cfg, created, err := config.Ensure(cfgPath, filepath.Join(opt.PeerDir, EnvFile), filepath.Base(opt.PeerDir))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if created {
		log.Infof("created default config %s", cfgPath)
	}
	for _, sub := range subsystems {
		if err := logging.SetLogLevel(sub, cfg.Log.Level); err != nil {
			return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
		}
	}

	ice := call.ICEConfig{
		Servers:             cfg.ICE.Servers,
		DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.ICE.FailedTimeoutSec) * time.Second,
		KeepaliveInterval:   time.Duration(cfg.ICE.KeepaliveIntervalSec) * time.Second,
	}
	device, newTransport, err := openMedia(cfg, ice)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	tr, err := openSignaling(ctx, opt.PeerDir, cfg)
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	defer tr.Close()

	selfID := tr.sig.ID()
	logBanner(opt.PeerDir, cfgPath, selfID, cfg.Signaling.Mode)
	if tr.node != nil {
		for _, a := range tr.node.Addrs() {
			log.Infof("dial me at %s/p2p/%s", a, selfID)
		}
	}

	callOpts := call.Options{
		Signaler:       tr.sig,
		SelfID:         selfID,
		Device:         device,
		NewTransport:   newTransport,
		RingTimeout:    time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ConnectTimeout: time.Duration(cfg.Call.ConnectTimeoutSec) * time.Second,
	}
	mgr := call.New(callOpts)
	defer mgr.Close()
	mgr.OnIncoming(func(ic call.IncomingCall) {
		log.Infof("incoming %s call %s from %s", ic.CallType, ic.CallID, ic.From)
	})

	if tr.hub != nil {
		stopEcho := startEcho(tr.hub, newTransport, callOpts)
		defer stopEcho()
	}

	if cfg.Viewer.HTTPAddr == "" {
		log.Info("viewer disabled")
		<-ctx.Done()
		return nil
	}
	addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	go func() {
		if err := WaitTCP(addr, 5*time.Second); err == nil {
			log.Infof("call API: %s/api/call/mode", url)
		}
	}()
	v := viewer.Viewer{
		Calls:          mgr,
		Logs:           logBuf,
		AllowedOrigins: cfg.Viewer.AllowedOrigins,
		Debug:          cfg.Viewer.Debug,
	}
	if tr.node != nil {
		v.Peers = tr.node.Peers
	}
	return viewer.Start(ctx, addr, v)
}

// openMedia picks capture hardware, or generated tracks when configured.
func openMedia(cfg config.Config, ice call.ICEConfig) (call.Device, call.TransportFactory, error) {
	if cfg.Media.Synthetic {
		newTransport, err := call.NewPionFactory(ice)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using synthetic media")
		return call.SyntheticDevice{}, newTransport, nil
	}
	return call.NewPlatformMedia(call.MediaConfig{
		PreferredCam: cfg.Media.PreferredCam,
		PreferredMic: cfg.Media.PreferredMic,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitrate: cfg.Media.VideoBitrateKb * 1000,
	}, ice)
}
