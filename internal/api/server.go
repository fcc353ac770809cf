package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/guesswewho/ftuner/internal/hardware"
	"github.com/guesswewho/ftuner/internal/logger"
	"github.com/guesswewho/ftuner/internal/search"
	"github.com/guesswewho/ftuner/internal/workload"
)

// Server exposes the tuner over a JSON API: start sessions, poll their
// status, inspect hardware presets.
type Server struct {
	store  *SessionStore
	log    logger.Logger
	params search.Params

	builder search.Builder
	runner  search.Runner
}

// NewServer builds a server around a session store. Measurement runs on
// the in-process simulator unless WithMeasurer overrides it.
func NewServer(store *SessionStore, log logger.Logger, params search.Params) *Server {
	return &Server{
		store:   store,
		log:     log,
		params:  params,
		builder: &search.SimBuilder{},
		runner:  &search.SimRunner{},
	}
}

// WithMeasurer swaps the build/run backend.
func (s *Server) WithMeasurer(b search.Builder, r search.Runner) *Server {
	s.builder = b
	s.runner = r
	return s
}

// Register attaches all routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/hardware", s.handleListHardware)
	e.GET("/v1/sessions", s.handleListSessions)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.POST("/v1/tune", s.handleTune)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListHardware(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"presets": hardware.PresetNames()})
}

func (s *Server) handleListSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.store.List()})
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, fmt.Sprintf("session %q not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleTune(c *echo.Context) error {
	var req TuneRequest
	if err := c.Bind(&req); err != nil {
		return writeBadRequest(c, "invalid request body")
	}
	task, err := s.buildTask(&req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Trials <= 0 {
		req.Trials = 64
	}

	id := s.store.Create(task.Workload.Name, task.Target, req.Hardware, req.Trials)
	go s.runSession(id, task, &req)
	return c.JSON(http.StatusOK, TuneResponse{ID: id, Status: StatusRunning})
}

func (s *Server) buildTask(req *TuneRequest) (*workload.Task, error) {
	hwName := req.Hardware
	if hwName == "" {
		hwName = "rtx3090"
	}
	hw, err := hardware.Preset(hwName)
	if err != nil {
		return nil, err
	}
	target := req.Target
	if target == "" {
		target = "cuda"
	}

	ext := func(v any) (workload.Extent, error) {
		size, name, err := dimension(v)
		if err != nil {
			return workload.Extent{}, err
		}
		return workload.Extent{Size: size, Var: name}, nil
	}

	var w *workload.Workload
	switch req.Workload {
	case "matmul", "":
		m, err := ext(req.M)
		if err != nil {
			return nil, fmt.Errorf("m: %w", err)
		}
		n, err := ext(req.N)
		if err != nil {
			return nil, fmt.Errorf("n: %w", err)
		}
		k, err := ext(req.K)
		if err != nil {
			return nil, fmt.Errorf("k: %w", err)
		}
		w = workload.Matmul(m, n, k)
	case "batch_matmul":
		b, err := ext(req.B)
		if err != nil {
			return nil, fmt.Errorf("b: %w", err)
		}
		m, err := ext(req.M)
		if err != nil {
			return nil, fmt.Errorf("m: %w", err)
		}
		n, err := ext(req.N)
		if err != nil {
			return nil, fmt.Errorf("n: %w", err)
		}
		k, err := ext(req.K)
		if err != nil {
			return nil, fmt.Errorf("k: %w", err)
		}
		w = workload.BatchMatmul(b, m, n, k)
	default:
		return nil, fmt.Errorf("unknown workload %q", req.Workload)
	}

	return workload.NewTask(w, target, hw, req.ShapeVars, req.Instances, req.Weights)
}

func (s *Server) runSession(id string, task *workload.Task, req *TuneRequest) {
	log := s.log.With("session", id)
	measurer := search.NewMeasurer(s.builder, s.runner, log)
	model := search.NewRandomModel(req.Seed)
	policy, err := search.NewSketchPolicy(task, model, s.params, measurer, log, req.Seed)
	if err != nil {
		s.finishWithError(id, err)
		return
	}
	policy.OnProgress = func(trials int, objective float64) {
		s.store.Update(id, func(sess *Session) {
			sess.Measured = trials
			if task.IsDyn() {
				sess.FlopWeightedLatency = objective
			} else {
				sess.BestCost = objective
			}
		})
	}

	var res *search.SearchResult
	if req.Efficient {
		res, err = policy.EfficientSearch()
	} else {
		res, err = policy.Search(req.Trials, 0)
	}
	if err != nil {
		s.finishWithError(id, err)
		return
	}

	s.store.Update(id, func(sess *Session) {
		sess.Status = StatusFinished
		sess.Measured = res.NumMeasured
		sess.BestCost = res.BestCost
		sess.FlopWeightedLatency = res.FlopWeightedLatency
		for _, d := range res.Dispatch {
			sess.Dispatch = append(sess.Dispatch, DispatchEntry{
				Instance: d.Instance,
				StateKey: d.State.CanonKey(),
				Score:    d.AdaptedScore,
			})
		}
	})
	log.Info("tuning session finished", "measured", res.NumMeasured)
}

func (s *Server) finishWithError(id string, err error) {
	s.log.Error("tuning session failed", "session", id, "err", err)
	s.store.Update(id, func(sess *Session) {
		sess.Status = StatusFailed
		sess.Error = err.Error()
	})
}
