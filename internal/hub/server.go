package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nalid/nalid24/internal/rtdb"
)

// Server wires the tree and session registry into an echo route group.
type Server struct {
	hub      *rtdb.Hub
	registry *Registry
	store    *rtdb.Session
	secret   string
}

func NewServer(hub *rtdb.Hub, secret string) *Server {
	return &Server{
		hub:      hub,
		registry: NewRegistry(hub),
		store:    hub.Session(),
		secret:   secret,
	}
}

// Register mounts the API under /v1 on the given echo instance.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/v1", authMiddleware(s.secret))

	v1.POST("/sessions", s.createSession)
	v1.DELETE("/sessions/:id", s.closeSession)
	v1.GET("/sessions/:id/stream", s.stream)
	v1.POST("/sessions/:id/subscriptions", s.subscribe)
	v1.DELETE("/sessions/:id/subscriptions/:subId", s.unsubscribe)
	v1.POST("/sessions/:id/hooks", s.addHook)
	v1.DELETE("/sessions/:id/hooks/:hookId", s.cancelHook)

	v1.GET("/db/*", s.get)
	v1.PUT("/db/*", s.set)
	v1.PATCH("/db/*", s.update)
	v1.DELETE("/db/*", s.remove)
}

func (s *Server) session(c echo.Context) (*clientSession, error) {
	session, ok := s.registry.Get(c.Param("id"))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown session")
	}
	if session.userID != c.Get("userID").(string) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "session belongs to another user")
	}
	return session, nil
}

func (s *Server) createSession(c echo.Context) error {
	session := s.registry.Create(c.Get("userID").(string))
	return c.JSON(http.StatusCreated, map[string]string{"sessionId": session.id})
}

func (s *Server) closeSession(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	s.registry.Close(session.id)
	return c.NoContent(http.StatusNoContent)
}

// stream attaches the client's server-sent-event stream. Events produced by
// the session's subscriptions are flushed as they arrive; when the stream
// drops, the disconnect countdown starts.
func (s *Server) stream(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	if !session.attach() {
		return echo.NewHTTPError(http.StatusConflict, "stream already attached")
	}
	defer session.detach(func() { s.registry.Close(session.id) })

	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set(echo.HeaderCacheControl, "no-cache")
	response.Header().Set(echo.HeaderConnection, "keep-alive")
	response.WriteHeader(http.StatusOK)
	response.Flush()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-session.done:
			return nil
		case event := <-session.events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(response, "data: %s\n\n", data); err != nil {
				return nil
			}
			response.Flush()
		}
	}
}

type subscribeRequest struct {
	Type string `json:"type"` // child_added | value
	Path string `json:"path"`
}

func (s *Server) subscribe(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}

	request := subscribeRequest{}
	if err := c.Bind(&request); err != nil {
		return err
	}
	if request.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	subID, err := session.subscribe(request.Type, request.Path)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"subscriptionId": subID})
}

func (s *Server) unsubscribe(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	session.unsubscribe(c.Param("subId"))
	return c.NoContent(http.StatusNoContent)
}

type hookRequest struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) addHook(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}

	request := hookRequest{}
	if err := c.Bind(&request); err != nil {
		return err
	}
	if request.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	hookID, err := session.addHook(request.Path, request.Value)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"hookId": hookID})
}

func (s *Server) cancelHook(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	if err := session.cancelHook(c.Param("hookId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) get(c echo.Context) error {
	raw, err := s.store.Get(c.Request().Context(), c.Param("*"))
	if err != nil {
		return err
	}
	if raw == nil {
		return c.JSONBlob(http.StatusOK, []byte("null"))
	}
	return c.JSONBlob(http.StatusOK, raw)
}

func (s *Server) set(c echo.Context) error {
	value, err := readJSONBody(c)
	if err != nil {
		return err
	}
	if err := s.store.Set(c.Request().Context(), c.Param("*"), value); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) update(c echo.Context) error {
	value, err := readJSONBody(c)
	if err != nil {
		return err
	}

	fields := map[string]any{}
	if err := json.Unmarshal(value, &fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "update body must be a JSON object")
	}
	if err := s.store.Update(c.Request().Context(), c.Param("*"), fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) remove(c echo.Context) error {
	if err := s.store.Remove(c.Request().Context(), c.Param("*")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func readJSONBody(c echo.Context) (json.RawMessage, error) {
	body := c.Request().Body
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if !json.Valid(raw) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "body must be valid JSON")
	}
	return json.RawMessage(raw), nil
}
