package main

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/galdor/go-service/pkg/shttp"

	"github.com/totalorder/chatd/pkg/cluster"
)

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/status", "GET", api.hStatusGET)
	api.Route("/messages", "GET", api.hMessagesGET)
	api.Route("/messages", "POST", api.hMessagesPOST)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	status, err := api.Service.node.Status()
	if err != nil {
		h.ReplyJSON(503, map[string]string{"error": err.Error()})
		return
	}

	h.ReplyJSON(200, status)
}

func (api *APIServer) hMessagesGET(h *shttp.Handler) {
	var after int64

	if value := h.Request.URL.Query().Get("after"); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			h.ReplyJSON(400,
				map[string]string{"error": "invalid \"after\" parameter"})
			return
		}

		after = n
	}

	records, err := api.Service.node.MessagesAfter(cluster.SeqNo(after))
	if err != nil {
		h.ReplyJSON(503, map[string]string{"error": err.Error()})
		return
	}

	if records == nil {
		records = []cluster.Record{}
	}

	h.ReplyJSON(200, records)
}

func (api *APIServer) hMessagesPOST(h *shttp.Handler) {
	data, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyJSON(400, map[string]string{"error": "cannot read body"})
		return
	}

	var body struct {
		Text   string `json:"text"`
		RoomId string `json:"room_id"`
	}

	if err := json.Unmarshal(data, &body); err != nil {
		h.ReplyJSON(400, map[string]string{"error": "invalid json body"})
		return
	}

	if body.Text == "" {
		h.ReplyJSON(400, map[string]string{"error": "missing or empty text"})
		return
	}

	msgId, err := api.Service.node.Submit(body.Text, body.RoomId)
	if err != nil {
		h.ReplyJSON(503, map[string]string{"error": err.Error()})
		return
	}

	h.ReplyJSON(202, map[string]string{"msg_id": msgId})
}
