package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/totalorder/chatd/pkg/cluster"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Cluster ClusterCfg         `json:"cluster"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	node      *cluster.Node
	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("cluster", &cfg.Cluster)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	cfg := &s.Cfg.Cluster

	if cfg.Id <= 0 {
		return fmt.Errorf("missing or invalid cluster node id")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("missing or invalid cluster port")
	}

	if _, err := ParseSeeds(cfg.Seeds); err != nil {
		return err
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	apiPort := s.Cfg.Cluster.ApiPort
	if apiPort == 0 {
		apiPort = s.Cfg.Cluster.Port + 1000
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(s.Cfg.Cluster.Host, strconv.Itoa(apiPort)),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initNode() error {
	cfg := &s.Cfg.Cluster

	seeds, err := ParseSeeds(cfg.Seeds)
	if err != nil {
		return err
	}

	logger := s.Log.Child("cluster", log.Data{
		"node": cfg.Id,
	})

	nodeCfg := cluster.NodeCfg{
		Id:   cluster.NodeId(cfg.Id),
		Host: cfg.Host,
		Port: cfg.Port,

		Seeds: seeds,

		DataDirectory: cfg.DataDirectory,

		Logger: logger,

		RoomId: cfg.RoomId,

		HeartbeatInterval: msDuration(cfg.HeartbeatInterval),
		LeaderTimeout:     msDuration(cfg.LeaderTimeout),
		ElectionTimeout:   msDuration(cfg.ElectionTimeout),
		ConnectTimeout:    msDuration(cfg.ConnectTimeout),
	}

	node, err := cluster.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("cannot create cluster node: %w", err)
	}

	s.node = node

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.node.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start cluster node: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.node.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
