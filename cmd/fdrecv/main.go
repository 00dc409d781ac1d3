// fdrecv listens on a Unix socket and logs the descriptors fdsend (or any fdpass sender)
// passes to it. With --import_image every received dma-buf is imported as an EGLImage.
//
//	fdrecv --socket=/tmp/fdrecv.sock --stats_interval=1s --metrics_addr=localhost:9101
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/johnsiilver/fdpass/gpu/egl"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/frame"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/payload"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/receiver"
	"github.com/spf13/pflag"

	log "github.com/golang/glog"
)

func main() {
	cfg := defaultConfig()
	configPath := bindFlags(pflag.CommandLine, &cfg)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)
	defer log.Flush()

	if *configPath != "" {
		if err := overlayFile(*configPath, pflag.CommandLine, &cfg); err != nil {
			log.Exit(err)
		}
	}
	if err := cfg.validate(); err != nil {
		log.Exit(err)
	}

	mode, err := frame.ParseMode(cfg.Mode)
	if err != nil {
		log.Exit(err)
	}
	codec, ok := payload.ByName(cfg.Codec)
	if !ok {
		log.Exitf("unknown --codec %q", cfg.Codec)
	}
	format, err := egl.ParseFormat(cfg.Format)
	if err != nil {
		log.Exit(err)
	}
	fileMode, _ := cfg.fileMode()

	set := metrics.NewSet()
	r, err := receiver.New(cfg.Socket, mode, receiver.MaxSize(cfg.MaxSize), receiver.FileMode(fileMode), receiver.Metrics(set))
	if err != nil {
		log.Exit(err)
	}
	log.Infof("listening on %s for %s messages", r.Addr(), mode)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, set)
	}

	done := make(chan struct{})
	if cfg.StatsInterval > 0 {
		rl := newRateLogger(set.GetOrCreateCounter("fdpass_received_messages_total"), time.Now())
		go rl.run(cfg.StatsInterval, done)
	}

	sigs := make(chan os.Signal, 1)
	ossignal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("got %s, shutting down", sig)
		close(done)
		r.Close()
	}()

	h := handler{codec: codec, format: format}
	if cfg.ImportImage {
		h.bridge = egl.New()
	}
	for msg := range r.Messages() {
		h.handle(msg)
	}
}

func serveMetrics(addr string, set *metrics.Set) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	log.Infof("serving metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: %s", err)
	}
}

// geometry is the payload a sender attaches to a dma-buf.
type geometry struct {
	Width  int    `json:"width" cbor:"width"`
	Height int    `json:"height" cbor:"height"`
	Pitch  int    `json:"pitch" cbor:"pitch"`
	Offset int    `json:"offset" cbor:"offset"`
	Format string `json:"format,omitempty" cbor:"format,omitempty"`
	Planes []struct {
		Offset int `json:"offset" cbor:"offset"`
		Pitch  int `json:"pitch" cbor:"pitch"`
	} `json:"planes,omitempty" cbor:"planes,omitempty"`
}

type handler struct {
	codec  payload.Codec
	format egl.Format
	bridge *egl.Bridge
}

func (h *handler) handle(msg receiver.Message) {
	defer msg.Close()

	log.Infof("pid %d sent %s message: %d descriptors, %d bytes", msg.Cred.PID, msg.Mode, len(msg.FDs), len(msg.Body))
	if msg.Mode == frame.Token {
		log.V(1).Infof("token: %s", msg.Body)
	}

	if h.bridge == nil || msg.Mode != frame.LengthPrefixed || len(msg.FDs) == 0 {
		return
	}

	opts, err := h.imageOptions(msg)
	if err != nil {
		log.Errorf("pid %d: cannot import image: %s", msg.Cred.PID, err)
		return
	}
	img, err := h.bridge.CreateImage(opts)
	if err != nil {
		if errors.Is(err, egl.ErrUnavailable) || errors.Is(err, egl.ErrNoDisplay) {
			log.Errorf("disabling --import_image: %s", err)
			h.bridge = nil
			return
		}
		log.Errorf("pid %d: %s", msg.Cred.PID, err)
		return
	}
	log.Infof("imported %dx%d %s image %#x", opts.Width, opts.Height, opts.Format, uint64(img))
	if err := h.bridge.DestroyImage(img); err != nil {
		log.Errorf("destroying image %#x: %s", uint64(img), err)
	}
}

// imageOptions maps the message onto a dma-buf import. Descriptors after the first are the
// extra planes, planes without their own descriptor share the first one.
func (h *handler) imageOptions(msg receiver.Message) (egl.ImageOptions, error) {
	g := geometry{}
	if err := msg.Decode(h.codec, &g); err != nil {
		return egl.ImageOptions{}, err
	}

	opts := egl.ImageOptions{
		FD:     msg.FDs[0],
		Width:  g.Width,
		Height: g.Height,
		Pitch:  g.Pitch,
		Offset: g.Offset,
		Format: h.format,
	}
	if g.Format != "" {
		f, err := egl.ParseFormat(g.Format)
		if err != nil {
			return egl.ImageOptions{}, err
		}
		opts.Format = f
	}
	for i, p := range g.Planes {
		fd := msg.FDs[0]
		if i+1 < len(msg.FDs) {
			fd = msg.FDs[i+1]
		}
		opts.Planes = append(opts.Planes, egl.Plane{FD: fd, Offset: p.Offset, Pitch: p.Pitch})
	}
	return opts, opts.Validate()
}
