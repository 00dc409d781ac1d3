// fdsend sends open file descriptors to an fdpass receiver.
//
//	fdsend --socket=/tmp/fdrecv.sock --file=/dev/null
//	fdsend --socket=/tmp/fdrecv.sock --mode=token --token=frame-1 --file=/tmp/buf
//	fdsend --socket=/tmp/fdrecv.sock --mode=length-prefixed --payload='{"width":640}' --file=/tmp/buf
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/johnsiilver/fdpass/ipc/uds/fdpass"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/frame"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/payload"
	"github.com/spf13/pflag"

	log "github.com/golang/glog"
)

func main() {
	cfg := defaultConfig()
	configPath := bindFlags(pflag.CommandLine, &cfg)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	// glog reads its flags from the go FlagSet.
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

	files, err := openAll(cfg.Files)
	if err != nil {
		log.Exit(err)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	req, err := request(cfg, files)
	if err != nil {
		log.Exit(err)
	}

	var opts []fdpass.ManagerOption
	if cfg.Watch {
		opts = append(opts, fdpass.WatchTarget())
	}
	s := fdpass.New(fdpass.Manage(opts...))
	defer s.Close()

	for i := 0; i < cfg.Count; i++ {
		if i > 0 && cfg.Interval > 0 {
			time.Sleep(cfg.Interval)
		}
		if err := s.Send(cfg.Socket, req); err != nil {
			log.Exitf("send %d of %d: %s", i+1, cfg.Count, err)
		}
		log.V(1).Infof("sent %s message %d with %d descriptors", req.Mode, i+1, len(req.FDs))
	}
	log.Infof("sent %d %s messages to %s over %d connection(s)", cfg.Count, req.Mode, cfg.Socket, s.Connects())
}

func openAll(paths []string) ([]*os.File, error) {
	var files []*os.File
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// request turns the config into the message to send. The descriptors stay owned by files.
func request(cfg config, files []*os.File) (frame.Request, error) {
	mode, err := frame.ParseMode(cfg.Mode)
	if err != nil {
		return frame.Request{}, err
	}

	req := frame.Request{Mode: mode}
	for _, f := range files {
		req.FDs = append(req.FDs, int(f.Fd()))
	}

	switch mode {
	case frame.Token:
		req.Payload = []byte(cfg.Token)
	case frame.LengthPrefixed:
		if cfg.Payload == "" {
			break
		}
		codec, ok := payload.ByName(cfg.Codec)
		if !ok {
			return frame.Request{}, fmt.Errorf("unknown --codec %q", cfg.Codec)
		}
		if codec == payload.JSON {
			if !json.Valid([]byte(cfg.Payload)) {
				return frame.Request{}, fmt.Errorf("--payload is not valid JSON")
			}
			req.Payload = []byte(cfg.Payload)
			break
		}
		dec := json.NewDecoder(strings.NewReader(cfg.Payload))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return frame.Request{}, fmt.Errorf("--payload is not valid JSON: %w", err)
		}
		if dec.More() {
			return frame.Request{}, fmt.Errorf("--payload is not valid JSON: trailing data")
		}
		if req.Payload, err = codec.Marshal(numbers(v)); err != nil {
			return frame.Request{}, err
		}
	}
	// Build() is run again by Send(), this catches bad input before we connect.
	if _, err := frame.Build(req); err != nil {
		return frame.Request{}, err
	}
	return req, nil
}

// numbers replaces the json.Number values in v so whole numbers stay integers
// when v is encoded with another codec.
func numbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}:
		for k, e := range x {
			x[k] = numbers(e)
		}
	case []interface{}:
		for i, e := range x {
			x[i] = numbers(e)
		}
	}
	return v
}
