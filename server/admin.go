package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/microclaw/internal/pathsafe"
	"github.com/hrygo/microclaw/internal/version"
	"github.com/hrygo/microclaw/store"
)

// groupRegistration is the wire form of a registry mutation, shared by the
// admin API and the IPC drop files.
type groupRegistration struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	RequiresTrigger bool   `json:"requires_trigger"`
	AssistantName   string `json:"assistant_name,omitempty"`
	Channel         string `json:"channel,omitempty"`
}

// validateRegistration rejects a mutation before it can touch the registry.
func validateRegistration(ctx context.Context, st *store.Store, mainFolder string, reg *groupRegistration) error {
	if reg.JID == "" {
		return fmt.Errorf("jid is required")
	}
	if err := pathsafe.ValidateFolder(reg.Folder); err != nil {
		return err
	}
	if reg.Folder == mainFolder {
		existing, err := st.ListRegisteredGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range existing {
			if g.Folder == mainFolder && g.JID != reg.JID {
				return fmt.Errorf("main folder %q is already claimed by %s", mainFolder, g.JID)
			}
		}
	}
	return nil
}

func applyRegistration(ctx context.Context, st *store.Store, mainFolder string, reg *groupRegistration) (*store.RegisteredGroup, error) {
	if err := validateRegistration(ctx, st, mainFolder, reg); err != nil {
		return nil, err
	}
	return st.UpsertRegisteredGroup(ctx, &store.RegisteredGroup{
		JID:             reg.JID,
		Name:            reg.Name,
		Folder:          reg.Folder,
		RequiresTrigger: reg.RequiresTrigger,
		AssistantName:   reg.AssistantName,
		Channel:         reg.Channel,
	})
}

func (s *Server) registerAdminRoutes(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := e.Group("/api/v1")
	api.GET("/groups", s.handleListGroups)
	api.POST("/groups", s.handleRegisterGroup, s.requireAdminToken)
	api.DELETE("/groups/:jid", s.handleUnregisterGroup, s.requireAdminToken)
}

// requireAdminToken guards mutating endpoints with the bcrypt admin token
// hash. Without a configured hash mutations are only allowed in dev mode.
func (s *Server) requireAdminToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		hash := s.profile.AdminTokenHash
		if hash == "" {
			if s.profile.IsDev() {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "admin token not configured")
		}
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing admin token")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
		}
		return next(c)
	}
}

// handleHealthz reports liveness plus a small status snapshot. Clients may
// pass min_version to learn whether this instance is new enough for them.
func (s *Server) handleHealthz(c echo.Context) error {
	out := map[string]any{
		"status":        "ok",
		"version":       version.GetCurrentVersion(s.profile.Mode),
		"mode":          s.profile.Mode,
		"active_groups": s.queue.ActiveGroups(),
	}
	if min := c.QueryParam("min_version"); min != "" {
		out["compatible"] = version.IsVersionGreaterOrEqualThan(version.Version, min)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListGroups(c echo.Context) error {
	groups, err := s.store.ListRegisteredGroups(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]groupRegistration, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupRegistration{
			JID:             g.JID,
			Name:            g.Name,
			Folder:          g.Folder,
			RequiresTrigger: g.RequiresTrigger,
			AssistantName:   g.AssistantName,
			Channel:         g.Channel,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRegisterGroup(c echo.Context) error {
	var reg groupRegistration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed registration")
	}
	ctx := c.Request().Context()
	if err := validateRegistration(ctx, s.store, s.profile.MainFolder, &reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	group, err := s.store.UpsertRegisteredGroup(ctx, &store.RegisteredGroup{
		JID:             reg.JID,
		Name:            reg.Name,
		Folder:          reg.Folder,
		RequiresTrigger: reg.RequiresTrigger,
		AssistantName:   reg.AssistantName,
		Channel:         reg.Channel,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	reg.RequiresTrigger = group.RequiresTrigger
	return c.JSON(http.StatusOK, reg)
}

func (s *Server) handleUnregisterGroup(c echo.Context) error {
	jid := c.Param("jid")
	if jid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "jid is required")
	}
	if err := s.store.DeleteRegisteredGroup(c.Request().Context(), jid); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
