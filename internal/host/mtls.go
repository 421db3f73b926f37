package host

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/core"
)

// TLSConfig holds the host's TLS settings. A client CA turns on mutual TLS.
type TLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
}

// TLSFromConfig picks the TLS settings out of the host configuration.
func TLSFromConfig(h core.HostConfig) TLSConfig {
	return TLSConfig{ServerCert: h.TLSCert, ServerKey: h.TLSKey, ClientCACert: h.ClientCA}
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// RequireClientCert reports whether clients must present a certificate.
func (c TLSConfig) RequireClientCert() bool { return c.ClientCACert != "" }

// Build loads the certificates into a tls.Config.
func (c TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.RequireClientCert() {
		caCert, err := os.ReadFile(c.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().
			Str("ca_cert", c.ClientCACert).
			Msg("mTLS client authentication enabled")
	}

	return tlsConfig, nil
}

// ClientIdentity exposes the verified client certificate to handlers and logs.
func ClientIdentity(requireCert bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireCert {
					writeError(w, http.StatusUnauthorized, "client certificate required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			clientCert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", clientCert.Subject.String())
			r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())

			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")

			next.ServeHTTP(w, r)
		})
	}
}

// httpServer builds the http.Server for addr, over TLS when config is enabled.
func (s *Server) httpServer(addr string, config TLSConfig) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !config.Enabled() {
		return srv, nil
	}
	tlsConfig, err := config.Build()
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = tlsConfig
	srv.Handler = ClientIdentity(config.RequireClientCert())(srv.Handler)
	return srv, nil
}
