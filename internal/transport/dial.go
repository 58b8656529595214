// Package transport builds gRPC dial options for connecting to an
// upstream replay/live data provider.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
)

// ChannelOptions tunes the upstream channel; every field is optional,
// with defaults applied when zero.
type ChannelOptions struct {
	KeepaliveTimeSecs     int
	KeepaliveTimeoutSecs  int
	PermitWithoutStream   bool
	MaxRecvMsgSize        int
	MaxSendMsgSize        int
	UseCompression        bool
	MinConnectTimeoutSecs int
	InitialWindowSize     int32
	InitialConnWindowSize int32
	WriteBufferSize       int
	ReadBufferSize        int
	Insecure              bool
}

// Target normalizes an endpoint string into a grpc dial target:
// https/http URLs resolve to host:443 (or the URL's explicit port), bare
// host:port strings pass through, and a bare host gets :443 appended.
func Target(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parsing endpoint url: %w", err)
		}
		if u.Port() != "" {
			return u.Host, nil
		}
		return u.Hostname() + ":443", nil
	}
	if strings.Contains(endpoint, ":") {
		return endpoint, nil
	}
	return endpoint + ":443", nil
}

// DialOptions builds the grpc.DialOption set for a channel, applying
// defaults (4MB initial window, 8MB conn window, 64KB write buffer, 1GB
// recv / 32MB send message caps, 30s/5s keepalive) wherever opts leaves a
// field at its zero value.
func DialOptions(opts ChannelOptions) []grpc.DialOption {
	var dialOpts []grpc.DialOption

	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		creds := credentials.NewClientTLSFromCert(nil, "")
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	}

	keepaliveTime := 30 * time.Second
	if opts.KeepaliveTimeSecs > 0 {
		keepaliveTime = time.Duration(opts.KeepaliveTimeSecs) * time.Second
	}
	keepaliveTimeout := 5 * time.Second
	if opts.KeepaliveTimeoutSecs > 0 {
		keepaliveTimeout = time.Duration(opts.KeepaliveTimeoutSecs) * time.Second
	}
	dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                keepaliveTime,
		Timeout:             keepaliveTimeout,
		PermitWithoutStream: opts.PermitWithoutStream,
	}))

	maxRecvMsgSize := 1024 * 1024 * 1024
	if opts.MaxRecvMsgSize > 0 {
		maxRecvMsgSize = opts.MaxRecvMsgSize
	}
	maxSendMsgSize := 32 * 1024 * 1024
	if opts.MaxSendMsgSize > 0 {
		maxSendMsgSize = opts.MaxSendMsgSize
	}
	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(maxRecvMsgSize),
		grpc.MaxCallSendMsgSize(maxSendMsgSize),
	}
	if opts.UseCompression {
		callOpts = append(callOpts, grpc.UseCompressor(gzip.Name))
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(callOpts...))

	minConnectTimeout := 10 * time.Second
	if opts.MinConnectTimeoutSecs > 0 {
		minConnectTimeout = time.Duration(opts.MinConnectTimeoutSecs) * time.Second
	}
	dialOpts = append(dialOpts, grpc.WithConnectParams(grpc.ConnectParams{
		Backoff:           backoff.DefaultConfig,
		MinConnectTimeout: minConnectTimeout,
	}))

	if opts.InitialWindowSize > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialWindowSize(opts.InitialWindowSize))
	} else {
		dialOpts = append(dialOpts, grpc.WithInitialWindowSize(4*1024*1024))
	}

	if opts.InitialConnWindowSize > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialConnWindowSize(opts.InitialConnWindowSize))
	} else {
		dialOpts = append(dialOpts, grpc.WithInitialConnWindowSize(8*1024*1024))
	}

	if opts.WriteBufferSize > 0 {
		dialOpts = append(dialOpts, grpc.WithWriteBufferSize(opts.WriteBufferSize))
	} else {
		dialOpts = append(dialOpts, grpc.WithWriteBufferSize(64*1024))
	}

	if opts.ReadBufferSize > 0 {
		dialOpts = append(dialOpts, grpc.WithReadBufferSize(opts.ReadBufferSize))
	}

	return dialOpts
}

// Dial resolves endpoint to a target and dials it with the given options.
func Dial(ctx context.Context, endpoint string, opts ChannelOptions) (*grpc.ClientConn, error) {
	target, err := Target(endpoint)
	if err != nil {
		return nil, err
	}
	return grpc.DialContext(ctx, target, DialOptions(opts)...)
}
