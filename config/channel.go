// Package config defines the canonical channel configuration schema — one
// source connector, an ordered destination list, a properties bag — and the
// dependsOn DAG validation the engine controller uses to order deploys.
// The same struct tree serializes as JSON, YAML, and (for backward
// compatibility) XML.
package config

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// Mode is a connector's transport family. The runtime only dispatches on
// this tag; the concrete connector packages (mllp, httpconn, dicom,
// fileconn) register themselves under one of these names.
type Mode string

const (
	ModeMLLP  Mode = "MLLP"
	ModeHTTP  Mode = "HTTP"
	ModeDICOM Mode = "DICOM"
	ModeFile  Mode = "FILE"
)

// ConnectorConfig is one source or destination connector descriptor.
type ConnectorConfig struct {
	Name       string            `json:"name" yaml:"name" xml:"name"`
	MetaDataID int               `json:"metaDataId" yaml:"metaDataId" xml:"metaDataId"`
	Mode       Mode              `json:"mode" yaml:"mode" xml:"mode"`
	Enabled    bool              `json:"enabled" yaml:"enabled" xml:"enabled"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty" xml:"properties>property,omitempty"`

	// QueueOnResponseStatuses lists response statuses that
	// cause the dispatcher to requeue rather than advance, even when
	// QueueEnabled would otherwise mean "don't retry a terminal failure".
	QueueOnResponseStatuses []string `json:"queueOnResponseStatuses,omitempty" yaml:"queueOnResponseStatuses,omitempty" xml:"queueOnResponseStatuses>status,omitempty"`

	QueueEnabled bool `json:"queueEnabled" yaml:"queueEnabled" xml:"queueEnabled"`
	ThreadCount  int  `json:"threadCount,omitempty" yaml:"threadCount,omitempty" xml:"threadCount,omitempty"`
	BufferSize   int  `json:"bufferSize" yaml:"bufferSize" xml:"bufferSize"`
	MaxRetries   int  `json:"maxRetries" yaml:"maxRetries" xml:"maxRetries"`
	RetryDelayMS int  `json:"retryDelayMs" yaml:"retryDelayMs" xml:"retryDelayMs"`
	Rotate       bool `json:"rotate,omitempty" yaml:"rotate,omitempty" xml:"rotate,omitempty"`
	SendFirst    bool `json:"sendFirst,omitempty" yaml:"sendFirst,omitempty" xml:"sendFirst,omitempty"`
}

// Validate checks field-level invariants of a single connector.
func (c *ConnectorConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connector: name is required")
	}
	if c.MetaDataID < 0 {
		return fmt.Errorf("connector %q: metaDataId must be >= 0", c.Name)
	}
	switch c.Mode {
	case ModeMLLP, ModeHTTP, ModeDICOM, ModeFile:
	default:
		return fmt.Errorf("connector %q: unknown mode %q", c.Name, c.Mode)
	}
	if c.QueueEnabled && c.BufferSize <= 0 {
		return fmt.Errorf("connector %q: bufferSize must be > 0 when queueEnabled", c.Name)
	}
	return nil
}

// ChannelConfig is the canonical per-channel configuration: one source
// connector (metaDataId 0), an ordered list of destinations, a
// properties bag, and the dependsOn list the engine controller uses to
// order deploys across channels.
type ChannelConfig struct {
	XMLName xml.Name `json:"-" yaml:"-" xml:"channel"`

	ID      string `json:"id" yaml:"id" xml:"id"`
	Name    string `json:"name" yaml:"name" xml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled" xml:"enabled"`

	InitialState string `json:"initialState" yaml:"initialState" xml:"initialState"` // STARTED or STOPPED

	Source       *ConnectorConfig   `json:"source" yaml:"source" xml:"source"`
	Destinations []*ConnectorConfig `json:"destinations" yaml:"destinations" xml:"destinations>destination"`

	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty" xml:"properties>property,omitempty"`

	// DependsOn names other channel IDs that must reach DEPLOYED before
	// this one is deployed.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" xml:"dependsOn>channelId,omitempty"`
}

// Validate checks the whole channel tree: field-level rules, unique
// destination metaDataIds, and a non-empty source.
func (c *ChannelConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel: id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("channel %s: name is required", c.ID)
	}
	if c.InitialState == "" {
		c.InitialState = "STARTED"
	}
	if c.InitialState != "STARTED" && c.InitialState != "STOPPED" {
		return fmt.Errorf("channel %s: initialState must be STARTED or STOPPED, got %q", c.ID, c.InitialState)
	}
	if c.Source == nil {
		return fmt.Errorf("channel %s: source connector is required", c.ID)
	}
	if c.Source.MetaDataID != 0 {
		return fmt.Errorf("channel %s: source connector metaDataId must be 0", c.ID)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", c.ID, err)
	}

	seen := map[int]bool{0: true}
	for _, d := range c.Destinations {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", c.ID, err)
		}
		if d.MetaDataID == 0 {
			return fmt.Errorf("channel %s: destination %q cannot use metaDataId 0 (reserved for source)", c.ID, d.Name)
		}
		if seen[d.MetaDataID] {
			return fmt.Errorf("channel %s: duplicate destination metaDataId %d", c.ID, d.MetaDataID)
		}
		seen[d.MetaDataID] = true
	}

	for _, dep := range c.DependsOn {
		if dep == c.ID {
			return fmt.Errorf("channel %s: cannot depend on itself", c.ID)
		}
	}

	return nil
}

// SortedDestinations returns Destinations ordered by MetaDataID ascending,
// the dispatch order sequential fan-out uses.
func (c *ChannelConfig) SortedDestinations() []*ConnectorConfig {
	out := make([]*ConnectorConfig, len(c.Destinations))
	copy(out, c.Destinations)
	sort.Slice(out, func(i, j int) bool { return out[i].MetaDataID < out[j].MetaDataID })
	return out
}
