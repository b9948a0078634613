package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"rgbw-ctrl/internal/automation"
)

// inlineScriptID runs the request body instead of a stored script.
const inlineScriptID = "_inline"

type scriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (req scriptRequest) meta() automation.ScriptMeta {
	return automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled}
}

// library returns the script library, answering 503 when automation is off.
func (s *Server) library(w http.ResponseWriter) *automation.Library {
	if s.scripts == nil {
		s.writeMessage(w, http.StatusServiceUnavailable, "automation disabled")
	}
	return s.scripts
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// scriptError maps a library error to a response.
func (s *Server) scriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeMessage(w, http.StatusNotFound, "script not found")
	case errors.Is(err, automation.ErrInvalidScript):
		s.writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" script", "err", err)
		s.writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// applyScript brings the engine in line with a saved script.
func (s *Server) applyScript(sc *automation.Script) {
	if s.engine == nil {
		return
	}
	if !sc.Meta.Enabled {
		s.engine.StopScript(sc.ID)
		return
	}
	if err := s.engine.ReloadScript(sc.ID); err != nil {
		s.logger.Warn("start script", "id", sc.ID, "err", err)
	}
}

func (s *Server) handleScriptList(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.writeJSON(w, http.StatusOK, []*automation.Script{})
		return
	}
	list, err := s.scripts.List()
	if err != nil {
		s.scriptError(w, "list", err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleScriptGet(w http.ResponseWriter, r *http.Request) {
	lib := s.library(w)
	if lib == nil {
		return
	}
	sc, err := lib.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleScriptCreate(w http.ResponseWriter, r *http.Request) {
	lib := s.library(w)
	if lib == nil {
		return
	}
	var req scriptRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeMessage(w, http.StatusBadRequest, "name is required")
		return
	}
	sc, err := lib.Save(&automation.Script{Meta: req.meta(), LuaCode: req.LuaCode})
	if err != nil {
		s.scriptError(w, "create", err)
		return
	}
	s.applyScript(sc)
	s.writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleScriptUpdate(w http.ResponseWriter, r *http.Request) {
	lib := s.library(w)
	if lib == nil {
		return
	}
	sc, err := lib.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "update", err)
		return
	}
	var req scriptRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = sc.Meta.Name
	}
	sc.Meta, sc.LuaCode = req.meta(), req.LuaCode
	if sc, err = lib.Save(sc); err != nil {
		s.scriptError(w, "update", err)
		return
	}
	s.applyScript(sc)
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleScriptDelete(w http.ResponseWriter, r *http.Request) {
	lib := s.library(w)
	if lib == nil {
		return
	}
	id := r.PathValue("id")
	if s.engine != nil {
		s.engine.StopScript(id)
	}
	if err := lib.Delete(id); err != nil {
		s.scriptError(w, "delete", err)
		return
	}
	s.writeMessage(w, http.StatusOK, "deleted")
}

func (s *Server) handleScriptToggle(w http.ResponseWriter, r *http.Request) {
	lib := s.library(w)
	if lib == nil {
		return
	}
	sc, err := lib.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "toggle", err)
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	if sc, err = lib.Save(sc); err != nil {
		s.scriptError(w, "toggle", err)
		return
	}
	s.applyScript(sc)
	s.writeJSON(w, http.StatusOK, sc)
}

// handleScriptRun executes a stored script once. The reserved ID _inline
// runs {"lua_code": ...} from the body without storing it.
func (s *Server) handleScriptRun(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeMessage(w, http.StatusServiceUnavailable, "automation disabled")
		return
	}
	id := r.PathValue("id")
	if id != inlineScriptID {
		s.writeJSON(w, http.StatusOK, s.engine.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.RunLuaCode(req.LuaCode))
}
