package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/docker/go-connections/sockets"
	"github.com/docker/go-units"
	"github.com/gorilla/mux"

	"github.com/capitalonline/cds-volume-plugin/pkg/driver/connector"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/provider"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

const errVolumeNotFound = "volume not found"

// Driver is the volume lifecycle the plugin exposes to docker.
type Driver interface {
	Create(ctx context.Context, name string, opts map[string]string) (*connector.DeviceInfo, error)
	Delete(ctx context.Context, name string) (bool, error)
	Mount(ctx context.Context, name string) (string, error)
	Unmount(ctx context.Context, name string) error
	List(ctx context.Context) ([]provider.VolumeView, error)
	Show(ctx context.Context, name string) (*provider.VolumeView, error)
}

// Server speaks the docker volume plugin protocol over a unix socket.
type Server struct {
	driver Driver
	router *mux.Router
	srv    *http.Server
}

func NewServer(driver Driver) *Server {
	s := &Server{driver: driver}

	r := mux.NewRouter()
	r.Use(logRequests)
	r.HandleFunc(PathActivate, s.activate).Methods(http.MethodPost)
	r.HandleFunc(PathCreate, s.create).Methods(http.MethodPost)
	r.HandleFunc(PathRemove, s.remove).Methods(http.MethodPost)
	r.HandleFunc(PathMount, s.mount).Methods(http.MethodPost)
	r.HandleFunc(PathUnmount, s.unmount).Methods(http.MethodPost)
	r.HandleFunc(PathPath, s.path).Methods(http.MethodPost)
	r.HandleFunc(PathGet, s.get).Methods(http.MethodPost)
	r.HandleFunc(PathList, s.list).Methods(http.MethodPost)
	r.HandleFunc(PathCapabilities, s.capabilities).Methods(http.MethodPost)

	s.router = r
	s.srv = &http.Server{Handler: r}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on the unix socket and serves until Shutdown is called.
// A stale socket file is replaced.
func (s *Server) Serve(socket string) error {
	if err := utils.CreateDir(filepath.Dir(socket), 0755); err != nil {
		return err
	}
	l, err := sockets.NewUnixSocketWithOpts(socket, sockets.WithChmod(0660))
	if err != nil {
		return err
	}
	log.Infof("Serve: listening on %s", socket)

	if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context, socket string) error {
	err := s.srv.Shutdown(ctx)
	if rmErr := os.Remove(socket); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warnf("Shutdown: remove socket %s failed, err is: %s", socket, rmErr)
	}
	return err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("plugin: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActivateResponse{Implements: []string{"VolumeDriver"}})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.driver.Create(r.Context(), req.Name, req.Opts); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	deleted, err := s.driver.Delete(r.Context(), req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusOK, ErrorResponse{Err: errVolumeNotFound})
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{})
}

func (s *Server) mount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if !decode(w, r, &req) {
		return
	}
	mountpoint, err := s.driver.Mount(r.Context(), req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, MountResponse{Err: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, MountResponse{Mountpoint: mountpoint})
}

func (s *Server) unmount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.driver.Unmount(r.Context(), req.Name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{})
}

func (s *Server) path(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := s.driver.Show(r.Context(), req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, MountResponse{Err: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, MountResponse{Mountpoint: view.Mountpoint})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := s.driver.Show(r.Context(), req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, GetResponse{Err: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{Volume: &Volume{
		Name:       view.Name,
		Mountpoint: view.Mountpoint,
		Status:     volumeStatus(view),
	}})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	views, err := s.driver.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, ListResponse{Err: err.Error()})
		return
	}
	volumes := make([]*Volume, 0, len(views))
	for _, v := range views {
		volumes = append(volumes, &Volume{Name: v.Name, Mountpoint: v.Mountpoint})
	}
	writeJSON(w, http.StatusOK, ListResponse{Volumes: volumes})
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CapabilitiesResponse{Capabilities: Capability{Scope: ScopeGlobal}})
}

// volumeStatus is the Status map reported by VolumeDriver.Get.
func volumeStatus(view *provider.VolumeView) map[string]interface{} {
	status := map[string]interface{}{
		"state": view.State.String(),
	}
	if view.Volume != nil {
		status["id"] = view.Volume.ID
		status["size"] = units.BytesSize(float64(view.Volume.Size) * units.GiB)
		if view.Volume.Status != "" {
			status["status"] = view.Volume.Status
		}
	}
	if view.Device != "" {
		status["device"] = view.Device
	}
	if view.Mountpoint != "" {
		usage, err := utils.GetUsage(view.Mountpoint)
		if err != nil {
			log.Warnf("volumeStatus: get usage of %s failed, err is: %s", view.Mountpoint, err)
			return status
		}
		status["usage"] = map[string]string{
			"used":       usage.Used.String(),
			"available":  usage.Available.String(),
			"capacity":   usage.Capacity.String(),
			"inodesUsed": usage.InodesUsed.String(),
		}
	}
	return status
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		log.Warnf("decode: bad request body for %s, err is: %s", r.URL.Path, err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Err: "bad request: " + err.Error()})
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusOK, ErrorResponse{Err: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("writeJSON: encode response failed, err is: %s", err)
	}
}
