// Package apitest provides an in-memory orchestration service that speaks
// the request payload format of package api.
package apitest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
)

// Service keeps volumes in memory and answers api requests. It counts calls
// per action and can be told to fail, hang or answer raw text per action.
type Service struct {
	// Connection is returned by InitializeConnection.
	Connection api.ConnectionInfo
	// CreateStatus is the status of new volumes, available when empty.
	CreateStatus string
	// SettleAfter is the number of GetVolume calls a creating volume needs
	// before it turns available.
	SettleAfter int

	mu       sync.Mutex
	volumes  map[string]*api.Volume
	order    []string
	pending  map[string]int
	calls    map[string]int
	requests []string
	failures map[string]api.ErrorResponse
	raw      map[string]string
	hang     map[string]bool
}

func NewService() *Service {
	return &Service{
		Connection: api.ConnectionInfo{
			DriverVolumeType: "iscsi",
			Data:             map[string]interface{}{},
		},
		volumes:  map[string]*api.Volume{},
		pending:  map[string]int{},
		calls:    map[string]int{},
		failures: map[string]api.ErrorResponse{},
		raw:      map[string]string{},
		hang:     map[string]bool{},
	}
}

// AddVolume stores a copy of v, assigning an id when it has none.
func (s *Service) AddVolume(v api.Volume) api.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = api.StatusAvailable
	}
	if v.Attachments == nil {
		v.Attachments = []api.Attachment{}
	}
	s.store(&v)
	return v
}

func (s *Service) store(v *api.Volume) {
	if _, ok := s.volumes[v.ID]; !ok {
		s.order = append(s.order, v.ID)
	}
	s.volumes[v.ID] = v
}

// Volume returns a copy of the stored volume with the given id.
func (s *Service) Volume(id string) (api.Volume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[id]
	if !ok {
		return api.Volume{}, false
	}
	return copyVolume(v), true
}

// VolumeByName returns a copy of the first stored volume named name.
func (s *Service) VolumeByName(name string) (api.Volume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if v := s.volumes[id]; v.Name == name {
			return copyVolume(v), true
		}
	}
	return api.Volume{}, false
}

// Calls returns how many times action was requested.
func (s *Service) Calls(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

// Requests returns every request payload received, in order.
func (s *Service) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// FailOn makes every following action request fail with code and msg.
func (s *Service) FailOn(action, code, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[action] = api.ErrorResponse{Code: code, Error: msg}
}

// RawOn makes every following action request answer raw instead of JSON.
func (s *Service) RawOn(action, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[action] = raw
}

// HangOn makes every following action request block until its deadline.
func (s *Service) HangOn(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[action] = true
}

// Reset clears every injected failure, raw answer and hang.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = map[string]api.ErrorResponse{}
	s.raw = map[string]string{}
	s.hang = map[string]bool{}
}

func (s *Service) RoundTrip(ctx context.Context, request string) (string, error) {
	action := strings.SplitN(request, api.Delimiter, 2)[0]
	s.mu.Lock()
	hang := s.hang[action]
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Handle(request), nil
}

// Handle answers one request payload.
func (s *Service) Handle(request string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := strings.Split(request, api.Delimiter)
	action := fields[0]
	var args []string
	if len(fields) > 2 {
		args = fields[2:]
	}
	s.calls[action]++
	s.requests = append(s.requests, request)

	if f, ok := s.failures[action]; ok {
		return encode(f)
	}
	if raw, ok := s.raw[action]; ok {
		return raw
	}

	switch action {
	case api.ActionCreateVolume:
		return s.createVolume(args)
	case api.ActionGetVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			if n, ok := s.pending[v.ID]; ok {
				if n <= 0 {
					v.Status = api.StatusAvailable
					delete(s.pending, v.ID)
				} else {
					s.pending[v.ID] = n - 1
				}
			}
			return encode(v)
		})
	case api.ActionGetAllVolumes:
		volumes := make([]*api.Volume, 0, len(s.order))
		for _, id := range s.order {
			volumes = append(volumes, s.volumes[id])
		}
		return encode(volumes)
	case api.ActionUpdateVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			if len(args) > 1 {
				v.Name = args[1]
			}
			return encode(v)
		})
	case api.ActionDeleteVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			if len(v.Attachments) > 0 {
				return failure(api.CodeConflict, "volume "+v.ID+" is still attached")
			}
			delete(s.volumes, v.ID)
			for i, id := range s.order {
				if id == v.ID {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			return encode(map[string]string{"id": v.ID})
		})
	case api.ActionReserveVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			if v.Status == api.StatusReserved {
				return failure(api.CodeConflict, "volume "+v.ID+" is already reserved")
			}
			v.Status = api.StatusReserved
			return encode(v)
		})
	case api.ActionUnreserveVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			v.Status = attachedStatus(v)
			return encode(v)
		})
	case api.ActionInitializeConnection:
		return s.withVolume(args, func(v *api.Volume) string {
			return s.Connection.ToJsonString()
		})
	case api.ActionAttachVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			if len(args) < 3 {
				return failure(api.CodeInvalidArgument, "AttachVolume needs id, host and mountpoint")
			}
			v.Attachments = append(v.Attachments, api.Attachment{
				AttachmentID: uuid.New().String(),
				HostName:     args[1],
				Mountpoint:   args[2],
			})
			v.Status = api.StatusInUse
			return encode(v)
		})
	case api.ActionDetachVolume:
		return s.withVolume(args, func(v *api.Volume) string {
			if len(args) < 2 {
				return failure(api.CodeInvalidArgument, "DetachVolume needs id and attachment id")
			}
			for i, a := range v.Attachments {
				if a.AttachmentID == args[1] {
					v.Attachments = append(v.Attachments[:i], v.Attachments[i+1:]...)
					v.Status = attachedStatus(v)
					return encode(v)
				}
			}
			return failure(api.CodeNotFound, "attachment "+args[1]+" not found")
		})
	}
	return failure(api.CodeInvalidArgument, "unknown action "+action)
}

func (s *Service) createVolume(args []string) string {
	if len(args) < 2 {
		return failure(api.CodeInvalidArgument, "CreateVolume needs name and size")
	}
	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return failure(api.CodeInvalidArgument, "invalid size "+args[1])
	}
	v := &api.Volume{
		ID:          uuid.New().String(),
		Name:        args[0],
		Size:        size,
		Status:      api.StatusAvailable,
		Attachments: []api.Attachment{},
	}
	for _, kv := range args[2:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[0] == "multiattach" {
			v.Multiattach = parts[1] == "true"
			continue
		}
		if v.Metadata == nil {
			v.Metadata = map[string]string{}
		}
		v.Metadata[parts[0]] = parts[1]
	}
	if s.CreateStatus != "" {
		v.Status = s.CreateStatus
	}
	if v.Status == api.StatusCreating {
		s.pending[v.ID] = s.SettleAfter
	}
	s.store(v)
	return encode(v)
}

func (s *Service) withVolume(args []string, f func(v *api.Volume) string) string {
	if len(args) == 0 {
		return failure(api.CodeInvalidArgument, "volume id is required")
	}
	v, ok := s.volumes[args[0]]
	if !ok {
		return failure(api.CodeNotFound, "volume "+args[0]+" not found")
	}
	return f(v)
}

func attachedStatus(v *api.Volume) string {
	if len(v.Attachments) > 0 {
		return api.StatusInUse
	}
	return api.StatusAvailable
}

func copyVolume(v *api.Volume) api.Volume {
	out := *v
	out.Attachments = append([]api.Attachment{}, v.Attachments...)
	if v.Metadata != nil {
		out.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			out.Metadata[k] = val
		}
	}
	return out
}

func failure(code, msg string) string {
	return encode(api.ErrorResponse{Code: code, Error: msg})
}

func encode(v interface{}) string {
	if e, ok := v.(interface{ ToJsonString() string }); ok {
		return e.ToJsonString()
	}
	b, _ := json.Marshal(v)
	return string(b)
}
