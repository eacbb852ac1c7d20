package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"

	"printerwatch/internal/config"
)

// StartTCPStream accepts newline-delimited observations (JSON, CSV or plain
// text, one per line) on the configured address. It returns the bound
// listener so callers can learn the port, or nil when disabled.
func StartTCPStream(ctx context.Context, cfg *config.Manager, sink Sink) (net.Listener, error) {
	logger := sink.logger()
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		logger.Info("tcp stream ingest disabled")
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Warn("tcp stream accept error", "err", err)
				continue
			}
			go handleTCPStreamConn(ctx, conn, sink)
		}
	}()
	return ln, nil
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, sink Sink) {
	defer conn.Close()
	logger := sink.logger()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		obs, err := parser.ParseLine(scanner.Text())
		if err != nil {
			sink.Reject(SourceTCPStream, err)
			continue
		}
		if obs == nil {
			continue
		}
		obs.Source = SourceTCPStream
		if !Send(ctx, sink.Out, *obs) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
