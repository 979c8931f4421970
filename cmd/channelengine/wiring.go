package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/config"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/connector/fileconn"
	"github.com/jeeves-cluster-organization/channelengine/connector/httpconn"
	"github.com/jeeves-cluster-organization/channelengine/connector/mllp"
	"github.com/jeeves-cluster-organization/channelengine/dicom"
	"github.com/jeeves-cluster-organization/channelengine/engine"
)

// buildWiring materializes a channel's connector descriptors into concrete
// transports. This is the composition root: the engine controller stays
// ignorant of connector packages, and connector packages stay ignorant of
// each other.
func buildWiring(cfg *config.ChannelConfig, logger celog.Logger) (engine.Wiring, error) {
	source, err := buildSource(cfg.Source, logger)
	if err != nil {
		return engine.Wiring{}, err
	}

	dests := make(map[int]connector.Destination, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		dest, err := buildDestination(d)
		if err != nil {
			return engine.Wiring{}, err
		}
		dests[d.MetaDataID] = dest
	}
	return engine.Wiring{Source: source, Destinations: dests}, nil
}

func buildSource(c *config.ConnectorConfig, logger celog.Logger) (connector.Source, error) {
	switch c.Mode {
	case config.ModeMLLP:
		return mllp.New(mllp.Config{
			Name:        c.Name,
			Addr:        prop(c, "addr", ":6661"),
			IdleTimeout: propDuration(c, "idleTimeoutMs", 60*time.Second),
		}, logger), nil

	case config.ModeDICOM:
		tlsCfg, err := dicom.LoadKeystore(prop(c, "keystorePath", ""), prop(c, "keystorePassword", ""), prop(c, "truststorePath", ""))
		if err != nil {
			return nil, err
		}
		return dicom.NewServer(dicom.ServerConfig{
			Name:        c.Name,
			Addr:        prop(c, "addr", ":11112"),
			IdleTimeout: propDuration(c, "idleTimeoutMs", 60*time.Second),
			TLS:         tlsCfg,
			Acceptor: dicom.AcceptorConfig{
				ApplicationEntity:      prop(c, "applicationEntity", ""),
				AcceptedSOPClasses:     propList(c, "sopClasses"),
				AcceptedTransferSyntax: propList(c, "transferSyntaxes"),
				MaxPDULength:           uint32(propInt(c, "maxPduLength", 16384)),
			},
		}, logger), nil

	case config.ModeFile:
		return fileconn.New(fileconn.Config{
			Name:         c.Name,
			Dir:          prop(c, "dir", ""),
			Pattern:      prop(c, "pattern", "*"),
			PollInterval: propDuration(c, "pollIntervalMs", time.Second),
			MoveToDir:    prop(c, "moveToDir", ""),
			ErrorDir:     prop(c, "errorDir", ""),
		}, logger), nil

	default:
		return nil, ceerrors.NewValidation("connector %q: mode %s is not a source transport", c.Name, c.Mode)
	}
}

func buildDestination(c *config.ConnectorConfig) (connector.Destination, error) {
	switch c.Mode {
	case config.ModeHTTP:
		return httpconn.New(httpconn.Config{
			Name:    c.Name,
			URL:     prop(c, "url", ""),
			Method:  prop(c, "method", ""),
			Timeout: propDuration(c, "timeoutMs", 30*time.Second),
		}), nil

	case config.ModeDICOM:
		tlsCfg, err := dicom.LoadKeystore(prop(c, "keystorePath", ""), prop(c, "keystorePassword", ""), prop(c, "truststorePath", ""))
		if err != nil {
			return nil, err
		}
		return dicom.NewClient(dicom.ClientConfig{
			Name:             c.Name,
			Addr:             prop(c, "addr", ""),
			CallingAE:        prop(c, "callingAE", "CHANNELENGINE"),
			CalledAE:         prop(c, "calledAE", ""),
			SOPClassUID:      prop(c, "sopClassUid", ""),
			TransferSyntax:   prop(c, "transferSyntax", "1.2.840.10008.1.2"),
			TLS:              tlsCfg,
			AssociateTimeout: propDuration(c, "associateTimeoutMs", 10*time.Second),
			MaxPDULength:     uint32(propInt(c, "maxPduLength", 16384)),
		}), nil

	default:
		return nil, ceerrors.NewValidation("connector %q: mode %s is not a destination transport", c.Name, c.Mode)
	}
}

func prop(c *config.ConnectorConfig, key, fallback string) string {
	if v, ok := c.Properties[key]; ok && v != "" {
		return v
	}
	return fallback
}

func propInt(c *config.ConnectorConfig, key string, fallback int) int {
	if v, ok := c.Properties[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func propDuration(c *config.ConnectorConfig, key string, fallback time.Duration) time.Duration {
	if n := propInt(c, key, -1); n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

func propList(c *config.ConnectorConfig, key string) []string {
	raw := prop(c, key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
