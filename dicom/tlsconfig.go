package dicom

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
)

// LoadKeystore builds a *tls.Config from a PKCS#12 keystore and an optional
// PEM CA truststore. An empty keystorePath returns (nil, nil), which disables
// TLS on the connector.
func LoadKeystore(keystorePath, password, truststorePath string) (*tls.Config, error) {
	if keystorePath == "" {
		return nil, nil
	}

	pfx, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, ceerrors.NewValidation("dicom: read keystore %s: %v", keystorePath, err)
	}
	key, cert, err := pkcs12.Decode(pfx, password)
	if err != nil {
		return nil, ceerrors.NewValidation("dicom: decode PKCS#12 keystore %s: %v", keystorePath, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}},
		MinVersion: tls.VersionTLS12,
	}

	if truststorePath != "" {
		caPEM, err := os.ReadFile(truststorePath)
		if err != nil {
			return nil, ceerrors.NewValidation("dicom: read truststore %s: %v", truststorePath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, ceerrors.NewValidation("dicom: truststore %s contains no usable certificates", truststorePath)
		}
		cfg.ClientCAs = pool
		cfg.RootCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
