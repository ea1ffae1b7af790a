package main

import (
	"fmt"
	"strconv"
	"strings"

	jsonvalidator "github.com/galdor/go-json-validator"

	"github.com/totalorder/chatd/pkg/cluster"
)

type ClusterCfg struct {
	Id   int64  `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`

	// Port of the HTTP status/ingest API; defaults to port + 1000.
	ApiPort int `json:"apiPort"`

	// Seed entries are "peer_id:host:port".
	Seeds []string `json:"seeds"`

	DataDirectory string `json:"dataDirectory"`

	RoomId string `json:"roomId"`

	// Milliseconds.
	HeartbeatInterval int `json:"heartbeatInterval"`
	LeaderTimeout     int `json:"leaderTimeout"`
	ElectionTimeout   int `json:"electionTimeout"`
	ConnectTimeout    int `json:"connectTimeout"`
}

func (cfg *ClusterCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("host", cfg.Host)
	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func ParseSeed(s string) (cluster.PeerInfo, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return cluster.PeerInfo{},
			fmt.Errorf("invalid format, expected \"peer_id:host:port\"")
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return cluster.PeerInfo{}, fmt.Errorf("invalid peer id %q", parts[0])
	}

	if parts[1] == "" {
		return cluster.PeerInfo{}, fmt.Errorf("empty host")
	}

	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return cluster.PeerInfo{}, fmt.Errorf("invalid port %q", parts[2])
	}

	return cluster.PeerInfo{
		Id:   cluster.NodeId(id),
		Host: parts[1],
		Port: port,
	}, nil
}

func ParseSeeds(entries []string) ([]cluster.PeerInfo, error) {
	var seeds []cluster.PeerInfo

	for _, entry := range entries {
		seed, err := ParseSeed(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", entry, err)
		}

		seeds = append(seeds, seed)
	}

	return seeds, nil
}
