// Package registrytest provides an in-process npm registry for tests.
package registrytest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justbytecode/velocity/registry"
)

// Entry is one tar member.
type Entry struct {
	Name     string
	Body     string
	Mode     int64
	Typeflag byte
	Linkname string
}

// Server serves packuments and tarballs from memory.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	packages map[string]*registry.PackageMetadata
	tarballs map[string][]byte
	status   map[string]int
	delay    func(name string) time.Duration

	metadataRequests atomic.Int64
	tarballRequests  atomic.Int64
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		packages: make(map[string]*registry.PackageMetadata),
		tarballs: make(map[string][]byte),
		status:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/*", s.serve)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Publish adds name@ver with the given dependencies and package files. A
// package.json is generated unless files contains one.
func (s *Server) Publish(name, ver string, deps map[string]string, files map[string]string) *registry.VersionMetadata {
	manifest := map[string]any{"name": name, "version": ver}
	if len(deps) > 0 {
		manifest["dependencies"] = deps
	}
	pkgJSON, _ := json.Marshal(manifest)

	entries := []Entry{{Name: "package/package.json", Body: string(pkgJSON)}}
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if n == "package.json" {
			entries[0].Body = files[n]
			continue
		}
		entries = append(entries, Entry{Name: "package/" + n, Body: files[n]})
	}

	vm := &registry.VersionMetadata{Name: name, Version: ver, Dependencies: deps}
	s.PublishTarball(vm, Tarball(entries))
	return vm
}

// PublishTarball adds vm with tgz as its tarball and fills in Dist.
func (s *Server) PublishTarball(vm *registry.VersionMetadata, tgz []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := vm.Name
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	path := vm.Name + "/-/" + base + "-" + vm.Version + ".tgz"
	s.tarballs[path] = tgz

	vm.Dist.Tarball = s.URL + "/" + path
	vm.Dist.Integrity = Integrity(tgz)
	vm.Dist.UnpackedSize = int64(len(tgz))

	meta, ok := s.packages[vm.Name]
	if !ok {
		meta = &registry.PackageMetadata{
			Name:     vm.Name,
			DistTags: map[string]string{},
			Versions: map[string]*registry.VersionMetadata{},
		}
		s.packages[vm.Name] = meta
	}
	meta.Versions[vm.Version] = vm
	meta.DistTags["latest"] = vm.Version
}

// Update applies fn to a published version under the server lock.
func (s *Server) Update(name, ver string, fn func(*registry.VersionMetadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.packages[name].Versions[ver])
}

// SetStatus makes metadata requests for name answer with code. Zero clears it.
func (s *Server) SetStatus(name string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = code
}

// SetDelay delays each metadata response by fn(name).
func (s *Server) SetDelay(fn func(name string) time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = fn
}

// MetadataRequests returns the number of metadata requests served.
func (s *Server) MetadataRequests() int64 { return s.metadataRequests.Load() }

// TarballRequests returns the number of tarball requests served.
func (s *Server) TarballRequests() int64 { return s.tarballRequests.Load() }

// Requests returns the total number of requests served.
func (s *Server) Requests() int64 { return s.MetadataRequests() + s.TarballRequests() }

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")

	if strings.Contains(raw, "/-/") {
		s.tarballRequests.Add(1)
		path, _ := url.PathUnescape(raw)
		s.mu.Lock()
		tgz, ok := s.tarballs[path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(tgz)
		return
	}

	s.metadataRequests.Add(1)
	name, err := url.PathUnescape(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	code := s.status[name]
	delay := s.delay
	var body []byte
	if meta, ok := s.packages[name]; ok {
		body, _ = json.Marshal(meta)
	}
	s.mu.Unlock()

	if delay != nil {
		time.Sleep(delay(name))
	}
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if body == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// Tarball builds a gzip-compressed tar archive.
func Tarball(entries []Entry) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     e.Mode,
			Size:     int64(len(e.Body)),
			Typeflag: e.Typeflag,
			Linkname: e.Linkname,
			ModTime:  time.Unix(0, 0),
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		_ = tw.WriteHeader(hdr)
		if hdr.Size > 0 {
			_, _ = tw.Write([]byte(e.Body))
		}
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

// Integrity returns the sha512 SRI string of data.
func Integrity(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}
