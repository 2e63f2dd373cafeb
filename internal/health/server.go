/*
Copyright 2024 BaudBridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health publishes the bridge state over the standard gRPC health
// checking protocol.
package health

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Shoaibashk/BaudBridge/internal/session"
)

// ServiceName is the health service name clients watch
const ServiceName = "baudbridge.Bridge"

// StatusFor maps a session state onto a serving status. Only a running
// bridge is serving.
func StatusFor(state session.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == session.Running {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// TLSFiles names the certificate material for the listener. CAFile,
// when set, enables client certificate verification.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Options configures a Server
type Options struct {
	TLS        *TLSFiles
	Reflection bool
	Logger     *zap.Logger
}

// Server is a gRPC server exposing only the health service
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer creates the server with every service NOT_SERVING
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var serverOpts []grpc.ServerOption
	if opts.TLS != nil {
		creds, err := loadTLSCredentials(*opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	s := &Server{
		grpc:   grpc.NewServer(serverOpts...),
		health: health.NewServer(),
		logger: opts.Logger.Named("health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	// Enable reflection for debugging tools like grpcurl
	if opts.Reflection {
		reflection.Register(s.grpc)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Update publishes the serving status for state
func (s *Server) Update(state session.State) {
	status := StatusFor(state)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Debug("health updated", zap.Stringer("state", state), zap.Stringer("status", status))
}

// Listener returns a state change hook for session.Session.OnStateChange
func (s *Server) Listener() func(from, to session.State) {
	return func(_, to session.State) { s.Update(to) }
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("health server listening", zap.String("address", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING, ends open watches and stops the
// server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func loadTLSCredentials(files TLSFiles) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if files.CAFile != "" {
		pem, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", files.CAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(tlsConfig), nil
}
