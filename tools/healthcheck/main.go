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

// Command healthcheck queries a running bridge's gRPC health endpoint.
// It exits 0 when the bridge is serving and 1 otherwise, so it can back
// container and supervisor health probes.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50052", "bridge health address")
	service := flag.String("service", "baudbridge.Bridge", "service name to check (empty for the server as a whole)")
	timeout := flag.Duration("timeout", 3*time.Second, "timeout for a single check")
	watch := flag.Bool("watch", false, "stream status changes until interrupted")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	caFile := flag.String("ca", "", "CA certificate used to verify the server")
	certFile := flag.String("cert", "", "client certificate for mutual TLS")
	keyFile := flag.String("key", "", "client key for mutual TLS")
	flag.Parse()

	creds := insecure.NewCredentials()
	if *useTLS {
		c, err := clientCredentials(*caFile, *certFile, *keyFile)
		if err != nil {
			log.Fatalf("Failed to load TLS credentials: %v", err)
		}
		creds = c
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	if *watch {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := watchStatus(ctx, client, *service); err != nil {
			log.Fatalf("Watch failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	fmt.Printf("%s: %s\n", displayName(*service), resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

// watchStatus prints every status the server reports until ctx is done
func watchStatus(ctx context.Context, client healthpb.HealthClient, service string) error {
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%s %s: %s\n", time.Now().Format(time.TimeOnly), displayName(service), resp.GetStatus())
	}
}

func displayName(service string) string {
	if service == "" {
		return "server"
	}
	return service
}

func clientCredentials(caFile, certFile, keyFile string) (credentials.TransportCredentials, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		config.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return credentials.NewTLS(config), nil
}
