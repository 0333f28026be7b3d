package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/harrison/aqueduct/internal/executor"
	"github.com/harrison/aqueduct/internal/models"
)

// ─── Extensions ─────────────────────────────────────────────────────────────

type parameterView struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	DataType    string   `json:"data_type"`
	Default     *string  `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

type actionView struct {
	Name            string          `json:"name"`
	DisplayName     string          `json:"display_name"`
	Description     string          `json:"description,omitempty"`
	DescriptionHTML string          `json:"description_html,omitempty"`
	Parameters      []parameterView `json:"parameters"`
}

type extensionView struct {
	Name            string       `json:"name"`
	DisplayName     string       `json:"display_name"`
	Description     string       `json:"description"`
	DescriptionHTML string       `json:"description_html,omitempty"`
	Authors         []string     `json:"authors"`
	Actions         []actionView `json:"actions"`
}

func newExtensionView(ext *models.Extension) extensionView {
	v := extensionView{
		Name:            ext.Name,
		DisplayName:     ext.Label(),
		Description:     ext.Description,
		DescriptionHTML: renderMarkdown(ext.Description),
		Authors:         ext.Authors,
		Actions:         make([]actionView, 0, len(ext.Actions)),
	}
	if v.Authors == nil {
		v.Authors = []string{}
	}
	for _, a := range ext.Actions {
		av := actionView{
			Name:            a.Name,
			DisplayName:     a.Label(),
			Description:     a.Description,
			DescriptionHTML: renderMarkdown(a.Description),
			Parameters:      make([]parameterView, 0, len(a.Parameters)),
		}
		for _, p := range a.Parameters {
			av.Parameters = append(av.Parameters, parameterView{
				Name:        p.Name,
				DisplayName: p.Label(),
				Description: p.Description,
				DataType:    string(p.DataType),
				Default:     p.DefaultValue,
				Options:     p.Options,
			})
		}
		v.Actions = append(v.Actions, av)
	}
	return v
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	exts := s.svc.ListExtensions()
	views := make([]extensionView, 0, len(exts))
	for _, ext := range exts {
		views = append(views, newExtensionView(ext))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	ext, err := s.svc.GetExtension(chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExtensionView(ext))
}

// ─── Execution ──────────────────────────────────────────────────────────────

// executeRequest is the body of an execute call. Parameter values may be
// JSON strings, numbers or booleans; they reach validation as strings.
type executeRequest struct {
	Experiment     string                 `json:"experiment"`
	Params         map[string]interface{} `json:"params"`
	Blocking       bool                   `json:"blocking"`
	TimeoutSeconds float64                `json:"timeout_seconds"`
}

func paramString(name string, v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	}
	return "", &models.ParameterError{Parameter: name, Reason: "value must be a string, number or boolean"}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	params := make(map[string]string, len(body.Params))
	for k, v := range body.Params {
		str, err := paramString(k, v)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		params[k] = str
	}

	task, err := s.svc.Execute(r.Context(), executor.Request{
		Extension:     chi.URLParam(r, "name"),
		Action:        chi.URLParam(r, "action"),
		ExperimentRef: body.Experiment,
		Params:        params,
		Requester:     r.Header.Get(RequesterHeader),
		Blocking:      body.Blocking,
		Timeout:       time.Duration(body.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if task.IsTerminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, task)
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrValidation, key)
	}
	return n, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	list, err := s.svc.ListTasks(r.Context(), models.TaskFilter{
		Extension:  q.Get("extension"),
		Action:     q.Get("action"),
		Experiment: q.Get("experiment"),
		Requester:  q.Get("requester"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
