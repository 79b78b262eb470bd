package conf

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

type ClientTlsConf struct {
	Enabled              bool   `help:"is client TLS enabled?" default:"false"`
	ServerCertFile       string `help:"path to tls server certificate file in pem format"`
	ClientPrivateKeyFile string `help:"path to tls client private key file in pem format"`
	ClientCertFile       string `help:"path to tls client certificate file in pem format"`
}

func (c *ClientTlsConf) ToGoTlsConf() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if c.ServerCertFile != "" {
		serverCerts, err := os.ReadFile(c.ServerCertFile)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(serverCerts); !ok {
			return nil, errors.Errorf("failed to append server certs - is pem file invalid?")
		}
		tlsConfig.RootCAs = certPool
	}
	if c.ClientCertFile != "" {
		kp, err := createKeyPair(c.ClientCertFile, c.ClientPrivateKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	return tlsConfig, nil
}

func createKeyPair(certPath string, keyPath string) (tls.Certificate, error) {
	clientCert, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	clientKey, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPair, err := tls.X509KeyPair(clientCert, clientKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return keyPair, nil
}
