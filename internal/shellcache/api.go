package shellcache

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shellcache/internal/cachestore"
	"shellcache/internal/controller"
	"shellcache/internal/platform"
	"shellcache/internal/protocol"
)

const (
	apiPrefix       = "/__shellcache"
	maxMessageBytes = 4 << 10
)

func (s *Service) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api := e.Group(apiPrefix)
	api.GET("/status", s.handleStatus)
	api.POST("/message", s.handleMessage)
	api.POST("/update", s.handleUpdate)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	e.Any("/*", echo.WrapHandler(s.container.Handler()))
	return e
}

type registrationStatus struct {
	Scope      string `json:"scope"`
	ScriptURL  string `json:"scriptURL"`
	Installing string `json:"installing,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	Active     string `json:"active,omitempty"`
}

type statusResponse struct {
	Origin        string               `json:"origin"`
	Controller    *controller.Status   `json:"controller,omitempty"`
	Registrations []registrationStatus `json:"registrations"`
	Responses     platform.Stats       `json:"responses"`
	Storage       cachestore.Usage     `json:"storage"`
}

func (s *Service) status() statusResponse {
	out := statusResponse{
		Origin:        s.container.Origin(),
		Registrations: []registrationStatus{},
		Responses:     s.container.Stats(),
		Storage:       s.storage.Usage(),
	}
	if ctl := s.controller(); ctl != nil {
		st := ctl.Status()
		out.Controller = &st
	}
	for _, reg := range s.container.Registrations() {
		rs := registrationStatus{Scope: reg.Scope(), ScriptURL: reg.ScriptURL()}
		if sw := reg.Installing(); sw != nil {
			rs.Installing = sw.Version()
		}
		if sw := reg.Waiting(); sw != nil {
			rs.Waiting = sw.Version()
		}
		if sw := reg.Active(); sw != nil {
			rs.Active = sw.Version()
		}
		out.Registrations = append(out.Registrations, rs)
	}
	return out
}

func (s *Service) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

// handleMessage posts SKIP_WAITING to the waiting worker or REFRESH_PAGE to
// the controlling one.
func (s *Service) handleMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctl := s.controller()
	if ctl == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "not started")
	}

	ctx := c.Request().Context()
	switch msg.Type {
	case protocol.TypeSkipWaiting:
		err = ctl.ApplyUpdate(ctx)
	case protocol.TypeRefreshPage:
		err = ctl.RequestRefresh(ctx)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "only SKIP_WAITING and REFRESH_PAGE can be posted")
	}
	switch {
	case errors.Is(err, controller.ErrNoUpdate), errors.Is(err, controller.ErrNoController):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		s.log.Warn("post message failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusAccepted, s.status())
}

func (s *Service) handleUpdate(c echo.Context) error {
	ctl := s.controller()
	if ctl == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "not started")
	}
	err := ctl.CheckForUpdate(c.Request().Context())
	switch {
	case errors.Is(err, controller.ErrNotRegistered):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, s.status())
}
