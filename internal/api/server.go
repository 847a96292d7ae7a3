// Package api implements the Control API: the thin HTTP surface operators
// and the scheduler's manual-run path use to create templates, trigger and
// cancel executions, and inspect/retire tasks and backup sets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/auth"
	"github.com/tapebackarr/tapebackarr/internal/coordinator"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
	"github.com/tapebackarr/tapebackarr/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server is the Control API's HTTP entry point.
type Server struct {
	router      *chi.Mux
	store       *metastore.Store
	coordinator *coordinator.Coordinator
	authService *auth.Service
	logger      *logging.Logger
}

// NewServer constructs a Server and wires its routes.
func NewServer(store *metastore.Store, coord *coordinator.Coordinator, authService *auth.Service, logger *logging.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       store,
		coordinator: coord,
		authService: authService,
		logger:      logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/v1/auth/change-password", s.handleChangePassword)

		r.Route("/api/v1/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTaskStatus)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/run", s.handleRunTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
		})

		r.Route("/api/v1/backup-sets", func(r chi.Router) {
			r.Get("/", s.handleListBackupSets)
			r.Delete("/{id}", s.handleDeleteBackupSet)
		})

		r.Route("/api/v1/users", func(r chi.Router) {
			r.Use(s.adminOnlyMiddleware)
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Delete("/{id}", s.handleDeleteUser)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Middleware

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		var tokenStr string
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenStr = parts[1]
			}
		}
		if tokenStr == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := s.authService.ValidateToken(tokenStr)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
		if claims == nil || claims.Role != models.RoleAdmin {
			s.respondError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helpers

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) getIDParam(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	return strconv.ParseInt(idStr, 10, 64)
}

// statusForErr maps a pipeline-classified or sentinel error to the HTTP
// status a Control API client should see.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrConflict), errors.Is(err, pipeline.ErrPreconditionFailed):
		return http.StatusConflict
	}
	switch pipeline.Classify(err) {
	case pipeline.KindPermanentInput:
		return http.StatusBadRequest
	case pipeline.KindOperatorRequired, pipeline.KindDataState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Auth handlers

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, user, err := s.authService.Login(req.Username, req.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "missing authorization")
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.authService.UpdatePassword(claims.UserID, req.OldPassword, req.NewPassword); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Task handlers — spec's Control API: create_task, run_task, cancel_task,
// get_task_status, list_tasks, delete_task.

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string          `json:"name"`
		Type               models.TaskType `json:"type"`
		SourcePaths        []string        `json:"source_paths"`
		ExcludePatterns    []string        `json:"exclude_patterns"`
		RetentionDays      int             `json:"retention_days"`
		CompressionEnabled bool            `json:"compression_enabled"`
		ScheduleCron       string          `json:"schedule_cron"`
		TapeID             *int64          `json:"tape_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.SourcePaths) == 0 {
		s.respondError(w, http.StatusBadRequest, "name and source_paths are required")
		return
	}
	if req.ScheduleCron != "" {
		if err := scheduler.ParseCron(req.ScheduleCron); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
	}

	task, err := s.store.CreateTemplate(r.Context(), metastore.NewTemplate{
		Name:               req.Name,
		Type:               req.Type,
		SourcePaths:        req.SourcePaths,
		ExcludePatterns:    req.ExcludePatterns,
		RetentionDays:      req.RetentionDays,
		CompressionEnabled: req.CompressionEnabled,
		ScheduleCron:       req.ScheduleCron,
		TapeID:             req.TapeID,
	})
	if err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	templatesOnly := r.URL.Query().Get("templates_only") == "true"
	tasks, err := s.store.ListTasks(r.Context(), templatesOnly)
	if err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.store.GetTaskStatus(r.Context(), id)
	if err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var req struct {
		Mode        coordinator.Mode `json:"mode"`
		ForceRescan bool             `json:"force_rescan"`
	}
	// A run_task call may be made with no body, meaning "auto" defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Mode == "" {
		req.Mode = coordinator.ModeAuto
	}

	result, err := s.coordinator.RunTask(r.Context(), id, coordinator.Options{
		Mode:        req.Mode,
		Manual:      true,
		ForceRescan: req.ForceRescan,
	})
	if err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}

	status := http.StatusAccepted
	if result.Skipped {
		status = http.StatusOK
	}
	s.respondJSON(w, status, result)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if err := s.coordinator.CancelTask(id); err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// Backup set handlers — list_backup_sets, delete_backup_set.

func (s *Server) handleListBackupSets(w http.ResponseWriter, r *http.Request) {
	var taskID *int64
	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid task_id")
			return
		}
		taskID = &id
	}

	sets, err := s.store.ListBackupSets(r.Context(), taskID)
	if err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, sets)
}

func (s *Server) handleDeleteBackupSet(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid backup set id")
		return
	}

	if err := s.store.DeleteBackupSet(r.Context(), id); err != nil {
		s.respondError(w, statusForErr(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// User administration, admin only.

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.authService.ListUsers()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string          `json:"username"`
		Password string          `json:"password"`
		Role     models.UserRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.CreateUser(req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := s.authService.DeleteUser(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrUserNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, auth.ErrCannotDeleteAdmin) {
			status = http.StatusForbidden
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
