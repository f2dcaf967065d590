package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/smazurov/vcapd/internal/api/models"
	"github.com/smazurov/vcapd/internal/vdev"
)

type apiSession struct {
	id       string
	handle   vdev.SessionHandle
	node     string
	openedAt time.Time
}

func (a apiSession) data() models.SessionData {
	return models.SessionData{
		ID:       a.id,
		Handle:   a.handle.String(),
		Node:     a.node,
		OpenedAt: a.openedAt,
	}
}

// sessionTable maps API session ids to driver session handles.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]apiSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]apiSession)}
}

func (t *sessionTable) add(handle vdev.SessionHandle, node string) apiSession {
	sess := apiSession{
		id:       uuid.NewString(),
		handle:   handle,
		node:     node,
		openedAt: time.Now(),
	}
	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()
	return sess
}

func (t *sessionTable) get(id string) (apiSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	return sess, ok
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// dropGeneration forgets sessions of a detached device.
func (t *sessionTable) dropGeneration(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sess := range t.sessions {
		if sess.handle.Generation == gen {
			delete(t.sessions, id)
		}
	}
}

func (t *sessionTable) list() []apiSession {
	t.mu.Lock()
	out := make([]apiSession, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, sess)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b apiSession) int { return a.openedAt.Compare(b.openedAt) })
	return out
}

// SessionIDInput is the session path parameter.
type SessionIDInput struct {
	ID string `path:"id" doc:"Session identifier"`
}

// DispatchInput carries one request for a session.
type DispatchInput struct {
	SessionIDInput
	Kind string `path:"kind" example:"get-format" doc:"Request kind"`
	Body *models.DispatchBody
}

func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "open-session",
		Method:      http.MethodPost,
		Path:        "/api/sessions",
		Summary:     "Open Session",
		Description: "Open a session on the attached device",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 503},
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		h, err := s.module.SessionOpen()
		if err != nil {
			return nil, statusError(err)
		}
		node := ""
		if drv := s.module.Driver(); drv != nil {
			if dev := drv.Device(); dev != nil {
				node = dev.NodeName()
			}
		}
		sess := s.sessions.add(h, node)
		s.logger.Debug("Session opened", "session", sess.id, "handle", h.String())
		return &models.SessionResponse{Body: sess.data()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/sessions",
		Summary:     "List Sessions",
		Description: "List sessions opened through the API",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.SessionListResponse, error) {
		list := s.sessions.list()
		data := models.SessionListData{Sessions: make([]models.SessionData, 0, len(list)), Count: len(list)}
		for _, sess := range list {
			data.Sessions = append(data.Sessions, sess.data())
		}
		return &models.SessionListResponse{Body: data}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodDelete,
		Path:        "/api/sessions/{id}",
		Summary:     "Close Session",
		Description: "Close a session; a streaming session is stopped first",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *SessionIDInput) (*struct{}, error) {
		sess, err := s.lookup(input.ID)
		if err != nil {
			return nil, err
		}
		err = s.module.SessionClose(sess.handle)
		if err == nil || vdev.CodeOf(err) == vdev.CodeNotFound {
			s.sessions.remove(sess.id)
		}
		if err != nil {
			return nil, statusError(err)
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "dispatch-request",
		Method:      http.MethodPost,
		Path:        "/api/sessions/{id}/requests/{kind}",
		Summary:     "Dispatch Request",
		Description: "Route one request to the session's handler",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 422, 501},
	}, func(_ context.Context, input *DispatchInput) (*models.DispatchResponse, error) {
		sess, err := s.lookup(input.ID)
		if err != nil {
			return nil, err
		}
		var payload vdev.Payload
		if input.Body != nil && input.Body.Payload != nil {
			raw, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid payload", err)
			}
			payload = raw
		}
		out, err := s.module.Dispatch(sess.handle, vdev.RequestKind(input.Kind), payload)
		if err != nil {
			return nil, statusError(err)
		}
		return &models.DispatchResponse{
			Body: models.DispatchData{
				Session: sess.id,
				Kind:    input.Kind,
				Payload: decodePayload(out),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "poll-session",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{id}/poll",
		Summary:     "Poll Session",
		Description: "Report session readiness; an unknown or closed session reports the error flag",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *SessionIDInput) (*models.PollResponse, error) {
		sess, err := s.lookup(input.ID)
		if err != nil {
			return nil, err
		}
		mask := s.module.Poll(sess.handle)
		return &models.PollResponse{
			Body: models.PollData{
				Session: sess.id,
				Mask:    uint32(mask),
				Flags:   mask.Flags(),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "dequeue-event",
		Method:      http.MethodPost,
		Path:        "/api/sessions/{id}/events/dequeue",
		Summary:     "Dequeue Event",
		Description: "Pop the oldest pending notification of the session",
		Tags:        []string{"sessions"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *SessionIDInput) (*models.EventResponse, error) {
		sess, err := s.lookup(input.ID)
		if err != nil {
			return nil, err
		}
		n, err := s.module.DequeueEvent(sess.handle)
		if err != nil {
			return nil, statusError(err)
		}
		return &models.EventResponse{
			Body: models.EventData{
				Session:  sess.id,
				Kind:     n.Kind.String(),
				Sequence: n.Sequence,
				Payload:  decodePayload(n.Data),
			},
		}, nil
	})
}

func (s *Server) lookup(id string) (apiSession, error) {
	sess, ok := s.sessions.get(id)
	if !ok {
		return apiSession{}, huma.Error404NotFound("session " + id + " not found")
	}
	return sess, nil
}

// closeSessions closes every session opened through the API.
func (s *Server) closeSessions() {
	for _, sess := range s.sessions.list() {
		if err := s.module.SessionClose(sess.handle); err != nil {
			s.logger.Debug("Failed to close session on shutdown", "session", sess.id, "error", err)
		}
		s.sessions.remove(sess.id)
	}
}

// decodePayload renders a payload as JSON when it is JSON and as a string
// otherwise.
func decodePayload(p vdev.Payload) any {
	if len(p) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return string(p)
	}
	return v
}
