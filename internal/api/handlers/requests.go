package handlers

import (
	"errors"
	"net/http"
	"strings"

	"swarmq/internal/hashing"
	"swarmq/internal/queue"
)

type sourceRequest struct {
	User string `json:"user"`
	Hub  string `json:"hub"`
}

func (s *sourceRequest) hinted() *queue.HintedUser {
	if s == nil || s.User == "" {
		return nil
	}
	return &queue.HintedUser{User: queue.UserID(s.User), Hub: s.Hub}
}

type addFileRequest struct {
	Target   string         `json:"target"`
	Size     int64          `json:"size"`
	TTH      string         `json:"tth"`
	Priority string         `json:"priority"`
	Source   *sourceRequest `json:"source"`
}

func (a *addFileRequest) Bind(r *http.Request) error {
	if strings.TrimSpace(a.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}

type bundleFileRequest struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	TTH      string `json:"tth"`
	Priority string `json:"priority"`
}

type addBundleRequest struct {
	Target   string              `json:"target"`
	Priority string              `json:"priority"`
	Files    []bundleFileRequest `json:"files"`
	Source   *sourceRequest      `json:"source"`
}

func (a *addBundleRequest) Bind(r *http.Request) error {
	if strings.TrimSpace(a.Target) == "" {
		return errors.New("target is required")
	}
	if len(a.Files) == 0 {
		return errors.New("files are required")
	}
	return nil
}

type priorityRequest struct {
	Priority string `json:"priority"`
	Auto     *bool  `json:"auto"`
}

func (p *priorityRequest) Bind(r *http.Request) error {
	if p.Priority == "" && p.Auto == nil {
		return errors.New("priority or auto is required")
	}
	return nil
}

type moveRequest struct {
	Target string `json:"target"`
}

func (m *moveRequest) Bind(r *http.Request) error {
	if strings.TrimSpace(m.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}

// parsePriority maps an empty string to PriorityDefault.
func parsePriority(s string) (queue.Priority, error) {
	if s == "" {
		return queue.PriorityDefault, nil
	}
	return queue.ParsePriority(s)
}

// parseTTH maps an empty string to the zero hash.
func parseTTH(s string) (hashing.Value, error) {
	if s == "" {
		return hashing.Value{}, nil
	}
	return hashing.Parse(s)
}

func parseSourceFlag(s string) (queue.SourceFlag, error) {
	switch s {
	case "", "removed":
		return queue.SourceRemoved, nil
	case "not-available":
		return queue.SourceFileNotAvailable, nil
	case "slow":
		return queue.SourceSlow, nil
	case "untrusted":
		return queue.SourceUntrusted, nil
	case "tth-inconsistency":
		return queue.SourceTTHInconsistency, nil
	}
	return 0, errors.New("unknown reason " + s)
}
