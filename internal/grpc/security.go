package grpc

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"paddlearena/server/internal/config"
	"paddlearena/server/internal/logging"
)

// SharedSecretMetadataKey carries the spectator shared secret.
const SharedSecretMetadataKey = "x-arena-shared-secret"

// ServerOptions derives transport security from cfg: TLS when a certificate is configured,
// client verification when a CA is configured too, and a shared-secret stream interceptor
// when a secret is set. Both may be combined.
func ServerOptions(cfg config.GRPCConfig, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if logger == nil {
		logger = logging.L()
	}
	var opts []grpc.ServerOption

	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		creds, err := loadTLSCredentials(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.ClientCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("spectator TLS enabled", logging.Bool("client_auth", cfg.ClientCAPath != ""))
	}
	if strings.TrimSpace(cfg.SharedSecret) != "" {
		opts = append(opts, grpc.ChainStreamInterceptor(NewSharedSecretInterceptor(cfg.SharedSecret)))
		logger.Info("spectator shared-secret authentication enabled")
	}
	if len(opts) == 0 {
		logger.Warn("spectator stream runs without transport security")
	}
	return opts, nil
}

// NewSharedSecretInterceptor rejects streams that do not present secret.
func NewSharedSecretInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if normalized == "" {
			return status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(srv, ss)
	}
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caPath != "" {
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("failed to parse client ca bundle")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}
