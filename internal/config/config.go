// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config deserializes the on-disk XML configuration into an
// immutable Snapshot. Configuration loading and hot-reload are an
// explicit Non-goal of the core; this package is the thin external
// collaborator the core takes a Snapshot from, nothing more.
package config

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// RouterRule mirrors spec.md §3's router rule tuple.
type RouterRule struct {
	Scope string `xml:"scope,attr"` // DnsQuery | SNI | IP
	Type  string `xml:"type,attr"`  // Forward | FakeDNS
	Match string `xml:"match,attr"`
	Exec  string `xml:"exec,attr"`
}

// PatternRule is a hex/wildcard pattern pair, compiled lazily by the
// pattern package.
type PatternRule struct {
	Pattern     string `xml:"pattern,attr"`
	Replacement string `xml:"replacement,attr"`
}

// PortRange is the strategy's filter_port: inclusive, end optional
// (nil End means open-ended, per the "weak range" supplement).
type PortRange struct {
	Start uint16
	End   *uint16
}

// Strategy mirrors spec.md §3's strategy tuple.
type Strategy struct {
	Method         string   `xml:"type,attr"`
	BaseIndex      int64    `xml:"offset,attr"`
	AddSNI         bool     `xml:"add-sni,attr"`
	AddHost        bool     `xml:"add-host,attr"`
	Subtract       bool     `xml:"negative-offset,attr"`
	FilterProtocol string   `xml:"filter-protocol"` // "", "TCP", "UDP"
	FilterPortRaw  string   `xml:"filter-port"`      // "start-end" or "start"
	FilterSNI      []string `xml:"filter-sni>sni"`
}

// Snapshot is the immutable configuration a connection is handed at
// SOCKS5-handshake time (spec.md §3, §9).
type Snapshot struct {
	BindHost string `xml:"bind-host"`
	BindPort uint16 `xml:"bind-port"`

	Iface4 string `xml:"iface4"`
	Iface6 string `xml:"iface6"`

	SocketRecvSize int `xml:"socket-recv-size"`
	SocketSendSize int `xml:"socket-send-size"`

	DesyncCutoffMS int `xml:"desync-cutoff-ms"`
	L7JitterMaxMS  int `xml:"l7-jitter-max-ms"`
	DisableSACK    bool `xml:"disable-sack"`

	OOBData []byte `xml:"oob-data"`

	HTTPMixCase      bool `xml:"http-mixcase"`
	HTTPRemoveSpace  bool `xml:"http-remove-space"`
	HTTPInsertSpace  bool `xml:"http-insert-space"`
	HTTPDomainMixCase bool `xml:"http-domain-mixcase"`

	FakePacketTTL   int    `xml:"fake-packet-ttl"`
	DisorderTTL     int    `xml:"disorder-ttl"`
	DefaultTTL      int    `xml:"default-ttl"`
	OOBMarkerByte   byte   `xml:"oob-marker-byte"`
	PacketHopCap    int    `xml:"packet-hop-cap"`

	FakeClientHello     bool   `xml:"fake-clienthello"`
	FakeClientHelloSNI  string `xml:"fake-clienthello-sni"`
	FakePacketRandom    bool   `xml:"fake-packet-random"`
	FakeAsOOB           bool   `xml:"fake-as-oob"`
	FakePacketReversed  bool   `xml:"fake-packet-reversed"`
	FakePacketOverride  []byte `xml:"fake-packet-override-data"`
	FakePacketSendHTTP  bool   `xml:"fake-packet-send-http"`
	FakePacketHost      string `xml:"fake-packet-host"`
	FakePacketSNI       string `xml:"fake-packet-sni"`
	OOBStreamHellData   []byte `xml:"oob-streamhell-data"`

	IntegratedDoH bool     `xml:"integrated-doh"`
	DoHServers    []string `xml:"doh-servers>server"`

	RouterRules  []RouterRule  `xml:"router-rules>rule"`
	PatternRules []PatternRule `xml:"pattern-rules>rule"`

	SNIWhitelistEnabled bool     `xml:"sni-whitelist-enabled"`
	SNIWhitelist        []string `xml:"sni-whitelist>sni"`

	Strategies []Strategy `xml:"strategies>strategy"`

	StallMinBytes uint64 `xml:"stall-min-bytes"`
	StallMaxBytes uint64 `xml:"stall-max-bytes"`
	StallIdleMS   int    `xml:"stall-idle-ms"`
	BlockMarkerClearMinutes int `xml:"block-marker-clear-minutes"`
	UDPIdleTimeoutSeconds   int `xml:"udp-idle-timeout-seconds"`
	UDPReapIntervalSeconds  int `xml:"udp-reap-interval-seconds"`

	AdminEnabled bool   `xml:"admin-enabled"`
	AdminAddr    string `xml:"admin-addr"`
}

type xmlRoot struct {
	XMLName xml.Name `xml:"waterfall"`
	Snapshot
}

// Default returns the built-in configuration used to seed a fresh
// config file and as a fallback on parse failure.
func Default() *Snapshot {
	return &Snapshot{
		BindHost:            "127.0.0.1",
		BindPort:            1080,
		Iface4:              "default",
		Iface6:              "default",
		SocketRecvSize:      32768,
		SocketSendSize:      32768,
		DesyncCutoffMS:      2,
		L7JitterMaxMS:       10,
		DisableSACK:         false,
		OOBMarkerByte:       0x00,
		FakePacketTTL:       8,
		DisorderTTL:         1,
		DefaultTTL:          64,
		PacketHopCap:        64,
		FakeClientHello:     false,
		FakeClientHelloSNI:  "yandex.ru",
		IntegratedDoH:       true,
		DoHServers:          []string{"https://1.1.1.1/dns-query?dns={}", "https://dns.google/dns-query?dns={}"},
		SNIWhitelistEnabled: false,
		StallMinBytes:       1024,
		StallMaxBytes:       33 * 1024,
		StallIdleMS:         3000,
		BlockMarkerClearMinutes: 60,
		UDPIdleTimeoutSeconds:   300,
		UDPReapIntervalSeconds:  60,
		AdminEnabled:            false,
		AdminAddr:               "127.0.0.1:9120",
		Strategies: []Strategy{
			{Method: "NONE"},
		},
	}
}

// Load reads and parses path. If the file is missing, it writes out the
// default configuration and returns os.ErrNotExist so the caller can
// exit(0) per spec.md §6. On any other parse error it logs a warning
// and falls back to Default(), per the ConfigLoadError policy in
// spec.md §7.
func Load(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := WriteDefault(path); werr != nil {
			return nil, fmt.Errorf("config: write default: %w", werr)
		}
		return nil, os.ErrNotExist
	} else if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var root xmlRoot
	if err := xml.Unmarshal(b, &root); err != nil {
		wlog.W("config: parse %s failed (%v); falling back to defaults", path, err)
		return Default(), nil
	}
	snap := root.Snapshot
	return &snap, nil
}

// WriteDefault serializes Default() to path.
func WriteDefault(path string) error {
	root := xmlRoot{Snapshot: *Default()}
	b, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	b = append([]byte(xml.Header), b...)
	return os.WriteFile(path, b, 0o644)
}
