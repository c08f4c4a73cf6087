package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"vpnrelay/internal/addrutil"
	"vpnrelay/internal/api"
	"vpnrelay/internal/registry"
	"vpnrelay/internal/relay"
	"vpnrelay/internal/stunutil"
)

// handleAction serves the single-endpoint protocol used by the web UI.
// Failures are reported in the body with HTTP 200.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req api.ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resp api.ActionResponse
	switch req.Action {
	case api.ActionConnect:
		resp = fromResult(s.connect(req.Country))
	case api.ActionDisconnect:
		resp = fromResult(s.disconnect())
	case api.ActionStatus:
		status := s.status()
		resp = api.ActionResponse{Success: true, Status: &status, Servers: s.servers()}
	default:
		resp = api.ActionResponse{Success: false, Error: "Unknown action"}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req api.ConnectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.connect(req.Country))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.disconnect())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.NodesResponse{Nodes: s.nodes.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var req api.HealthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Country == "" || req.Host == "" || req.Port == 0 {
		writeJSONError(w, http.StatusBadRequest, "country, host and port are required")
		return
	}

	err := s.nodes.UpdateHealth(req.Key(), registry.Health{
		Latency: req.Latency,
		Load:    req.Load,
		Status:  req.Status,
	})
	switch {
	case errors.Is(err, registry.ErrNodeNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Checker == nil {
		writeJSON(w, http.StatusOK, api.CheckResponse{NATType: stunutil.NATTypeUnknown, Error: "public address check disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	res, err := s.opts.Checker.Check(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, api.CheckResponse{NATType: stunutil.NATTypeUnknown, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, api.CheckResponse{Success: true, PublicAddr: res.PublicAddr, NATType: res.NATType})
}

func (s *Server) connect(country string) api.Result {
	country = strings.TrimSpace(country)
	if err := s.sess.Start(country); err != nil {
		s.log.WithError(err).WithField("country", country).Warn("connect failed")
		return api.Result{Success: false, Error: err.Error()}
	}
	return api.Result{Success: true}
}

func (s *Server) disconnect() api.Result {
	if err := s.sess.Stop(); err != nil {
		return api.Result{Success: false, Error: err.Error()}
	}
	return api.Result{Success: true}
}

func (s *Server) status() api.StatusResponse {
	return s.statusFromState(s.sess.Status())
}

func (s *Server) servers() []api.ServerView {
	nodes := s.nodes.List()
	out := make([]api.ServerView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, api.ServerView{Country: n.Country, Host: n.Host, Port: n.Port})
	}
	return out
}

func (s *Server) statusFromState(st relay.State) api.StatusResponse {
	resp := api.StatusResponse{
		Running:           st.Running,
		Port:              addrutil.PortOf(st.ListenAddr),
		ConnectionStatus:  api.ConnectionDisconnected,
		ActiveConnections: st.ActiveConns,
		Fingerprint:       s.meta.Fingerprint,
		RoutingTable:      s.meta.RoutingTable,
	}
	if st.Running {
		resp.ConnectionStatus = api.ConnectionConnected
		started := st.StartedAt
		resp.StartedAt = &started
	}
	if st.CurrentNode != nil {
		resp.CurrentNode = &api.CurrentNode{
			Country: st.CurrentNode.Country,
			Host:    st.CurrentNode.Host,
			Port:    st.CurrentNode.Port,
			Latency: st.CurrentNode.Latency,
		}
	}
	if st.LastError != nil {
		msg := st.LastError.Error()
		resp.LastError = &msg
	}
	return resp
}

func fromResult(r api.Result) api.ActionResponse {
	return api.ActionResponse{Success: r.Success, Error: r.Error}
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := decodeJSON(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
