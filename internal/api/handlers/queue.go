package handlers

import (
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"swarmq/internal/queue"
)

// Queue serves the queue manager over HTTP.
type Queue struct {
	qm  *queue.Manager
	log zerolog.Logger
}

func NewQueue(qm *queue.Manager, log zerolog.Logger) *Queue {
	return &Queue{qm: qm, log: log}
}

type statusResponse struct {
	Bundles       int    `json:"bundles"`
	Files         int    `json:"files"`
	Remaining     int64  `json:"remaining"`
	RemainingText string `json:"remainingText"`
}

func (h *Queue) Status(w http.ResponseWriter, r *http.Request) {
	files, _ := h.qm.Files("")
	remaining := h.qm.TotalQueueSize()
	render.JSON(w, r, statusResponse{
		Bundles:       len(h.qm.Bundles()),
		Files:         len(files),
		Remaining:     remaining,
		RemainingText: humanize.IBytes(uint64(remaining)),
	})
}

func (h *Queue) ListBundles(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.qm.Bundles())
}

func (h *Queue) GetBundle(w http.ResponseWriter, r *http.Request) {
	token := queue.BundleToken(chi.URLParam(r, "token"))
	b, ok := h.qm.Bundle(token)
	if !ok {
		renderError(w, r, queue.ErrNotFound)
		return
	}
	render.JSON(w, r, b)
}

func (h *Queue) BundleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.qm.Files(queue.BundleToken(chi.URLParam(r, "token")))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, files)
}

func (h *Queue) AddBundle(w http.ResponseWriter, r *http.Request) {
	var req addBundleRequest
	if err := render.Bind(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	prio, err := parsePriority(req.Priority)
	if err != nil {
		renderError(w, r, err)
		return
	}
	files := make([]queue.BundleFile, 0, len(req.Files))
	for _, f := range req.Files {
		tth, err := parseTTH(f.TTH)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		fp, err := parsePriority(f.Priority)
		if err != nil {
			renderError(w, r, err)
			return
		}
		files = append(files, queue.BundleFile{Name: f.Name, Size: f.Size, TTH: tth, Priority: fp})
	}

	info, err := h.qm.AddBundle(queue.BundleRequest{
		Target:   req.Target,
		Files:    files,
		Source:   req.Source.hinted(),
		Priority: prio,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	h.log.Info().Str("bundle", info.Target).Int("files", info.Items).Msg("Bundle queued")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, info)
}

func (h *Queue) RemoveBundle(w http.ResponseWriter, r *http.Request) {
	if err := h.qm.RemoveBundle(queue.BundleToken(chi.URLParam(r, "token"))); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Queue) SetBundlePriority(w http.ResponseWriter, r *http.Request) {
	token := queue.BundleToken(chi.URLParam(r, "token"))
	var req priorityRequest
	if err := render.Bind(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Priority != "" {
		prio, err := queue.ParsePriority(req.Priority)
		if err == nil {
			err = h.qm.SetBundlePriority(token, prio)
		}
		if err != nil {
			renderError(w, r, err)
			return
		}
	}
	if req.Auto != nil {
		if err := h.qm.SetBundleAutoPriority(token, *req.Auto); err != nil {
			renderError(w, r, err)
			return
		}
	}
	h.GetBundle(w, r)
}

func (h *Queue) RescanBundle(w http.ResponseWriter, r *http.Request) {
	if err := h.qm.RescanBundle(queue.BundleToken(chi.URLParam(r, "token"))); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListFiles returns every queued file, or the files with the content hash
// given in the tth query parameter.
func (h *Queue) ListFiles(w http.ResponseWriter, r *http.Request) {
	if s := r.URL.Query().Get("tth"); s != "" {
		tth, err := parseTTH(s)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		files := h.qm.FindFiles(tth)
		if files == nil {
			files = []queue.ItemInfo{}
		}
		render.JSON(w, r, files)
		return
	}
	files, err := h.qm.Files("")
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, files)
}

func (h *Queue) AddFile(w http.ResponseWriter, r *http.Request) {
	var req addFileRequest
	if err := render.Bind(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	tth, err := parseTTH(req.TTH)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	prio, err := parsePriority(req.Priority)
	if err != nil {
		renderError(w, r, err)
		return
	}

	info, err := h.qm.AddFile(queue.FileRequest{
		Target:   req.Target,
		Size:     req.Size,
		TTH:      tth,
		Source:   req.Source.hinted(),
		Priority: prio,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, info)
}

// fileTarget reads the target query parameter shared by the single-file
// routes.
func fileTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	target := r.URL.Query().Get("target")
	if target == "" {
		badRequest(w, r, "target is required")
		return "", false
	}
	return target, true
}

func (h *Queue) GetFile(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	info, found := h.qm.File(target)
	if !found {
		renderError(w, r, queue.ErrNotFound)
		return
	}
	render.JSON(w, r, info)
}

func (h *Queue) RemoveFile(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	if err := h.qm.RemoveFile(target); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Queue) MoveFile(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := render.Bind(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := h.qm.MoveFile(target, req.Target); err != nil {
		renderError(w, r, err)
		return
	}
	info, _ := h.qm.File(req.Target)
	render.JSON(w, r, info)
}

func (h *Queue) SetFilePriority(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	var req priorityRequest
	if err := render.Bind(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Priority != "" {
		prio, err := queue.ParsePriority(req.Priority)
		if err == nil {
			err = h.qm.SetItemPriority(target, prio)
		}
		if err != nil {
			renderError(w, r, err)
			return
		}
	}
	if req.Auto != nil {
		if err := h.qm.SetItemAutoPriority(target, *req.Auto); err != nil {
			renderError(w, r, err)
			return
		}
	}
	h.GetFile(w, r)
}

func (h *Queue) RecheckFile(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	res, err := h.qm.Recheck(r.Context(), target)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (h *Queue) AddFileSource(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.User == "" {
		badRequest(w, r, "user is required")
		return
	}
	if err := h.qm.AddSource(target, *req.hinted()); err != nil {
		renderError(w, r, err)
		return
	}
	h.GetFile(w, r)
}

func (h *Queue) RemoveFileSource(w http.ResponseWriter, r *http.Request) {
	target, ok := fileTarget(w, r)
	if !ok {
		return
	}
	reason, err := parseSourceFlag(r.URL.Query().Get("reason"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user := queue.UserID(chi.URLParam(r, "user"))
	if err := h.qm.RemoveFileSource(target, user, reason); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type removedResponse struct {
	Removed int `json:"removed"`
}

// RemoveSource drops a user from every queued file.
func (h *Queue) RemoveSource(w http.ResponseWriter, r *http.Request) {
	reason, err := parseSourceFlag(r.URL.Query().Get("reason"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	n := h.qm.RemoveSource(queue.UserID(chi.URLParam(r, "user")), reason)
	render.JSON(w, r, removedResponse{Removed: n})
}

func (h *Queue) Unfinished(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.qm.GetUnfinishedPaths())
}

// Bloom returns the bloom filter of queued and shared content with m bits
// and k hash functions.
func (h *Queue) Bloom(w http.ResponseWriter, r *http.Request) {
	m, err := strconv.ParseUint(r.URL.Query().Get("m"), 10, 32)
	if err != nil {
		badRequest(w, r, "invalid m")
		return
	}
	k, err := strconv.ParseUint(r.URL.Query().Get("k"), 10, 8)
	if err != nil {
		badRequest(w, r, "invalid k")
		return
	}
	filter, err := h.qm.GetBloom(uint(m), uint(k))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, filter)
}
