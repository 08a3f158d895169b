// Package kongtest serves an in-memory legacy (apis based) Kong Admin API for tests. It keeps
// just enough state for reconciliation runs and records every request it receives.
package kongtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type object = map[string]interface{}

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Body   object
}

// String renders the request as "METHOD path?query".
func (r Request) String() string {
	return r.Method + " " + r.Path
}

type consumerState struct {
	consumer object
	plugins  map[string][]object
}

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	version   string
	database  bool
	seq       int
	apis      []object
	plugins   []object
	consumers []*consumerState
	requests  []Request
	failures  map[string]int
}

func NewServer() *Server {
	s := &Server{
		version:  "0.14.1",
		database: true,
		failures: map[string]int{},
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/", s.getRoot)
	r.Get("/status", s.getStatus)
	r.Route("/apis", func(r chi.Router) {
		r.Get("/", s.listApis)
		r.Post("/", s.createApi)
		r.Patch("/{api}", s.patchApi)
		r.Delete("/{api}", s.deleteApi)
		r.Get("/{api}/plugins", s.listApiPlugins)
		r.Post("/{api}/plugins", s.createApiPlugin)
		r.Patch("/{api}/plugins/{plugin}", s.patchApiPlugin)
		r.Delete("/{api}/plugins/{plugin}", s.deleteApiPlugin)
	})
	r.Route("/consumers", func(r chi.Router) {
		r.Get("/", s.listConsumers)
		r.Post("/", s.createConsumer)
		r.Get("/{consumer}", s.getConsumer)
		r.Patch("/{consumer}", s.patchConsumer)
		r.Delete("/{consumer}", s.deleteConsumer)
		r.Get("/{consumer}/{kind}", s.listConsumerPlugins)
		r.Post("/{consumer}/{kind}", s.createConsumerPlugin)
		r.Delete("/{consumer}/{kind}/{instance}", s.deleteConsumerPlugin)
	})
	return r
}

// record logs the request and answers with an injected failure status if one is set.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		if req.URL.RawQuery != "" {
			path += "?" + req.URL.RawQuery
		}
		var body object
		if req.Body != nil {
			_ = json.NewDecoder(req.Body).Decode(&body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: req.Method, Path: path, Body: body})
		status, fail := s.failures[req.Method+" "+req.URL.Path]
		s.mu.Unlock()
		if fail {
			writeJSON(w, status, object{"message": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, withBody(req, body))
	})
}

type bodyKey struct{}

func withBody(req *http.Request, body object) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), bodyKey{}, body))
}

// bodyOf returns a private copy of the decoded request body.
func bodyOf(req *http.Request) object {
	body, _ := req.Context().Value(bodyKey{}).(object)
	if body == nil {
		return object{}
	}
	return toObject(body)
}

// Fail makes every request with the method and path answer with status.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Requests returns every recorded request in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request{}, s.requests...)
}

// Mutations returns the recorded non GET requests rendered as "METHOD path".
func (s *Server) Mutations() []string {
	mutations := []string{}
	for _, req := range s.Requests() {
		if req.Method != http.MethodGet {
			mutations = append(mutations, req.String())
		}
	}
	return mutations
}

// ClearRequests forgets the recorded requests, the stored state is kept.
func (s *Server) ClearRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%04d", prefix, s.seq)
}

// AddApi seeds an api and returns its id.
func (s *Server) AddApi(api interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := toObject(api)
	obj["id"] = s.nextID("api")
	obj["created_at"] = time.Now().Unix()
	s.apis = append(s.apis, obj)
	return obj["id"].(string)
}

// AddApiPlugin seeds a plugin on the api with the given id or name and returns its id.
func (s *Server) AddApiPlugin(apiIDOrName string, plugin interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	api := s.findApi(apiIDOrName)
	if api == nil {
		panic("kongtest: unknown api " + apiIDOrName)
	}
	obj := s.newPlugin(api, toObject(plugin))
	s.plugins = append(s.plugins, obj)
	return obj["id"].(string)
}

// AddConsumer seeds a consumer and returns its id.
func (s *Server) AddConsumer(consumer interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := toObject(consumer)
	obj["id"] = s.nextID("consumer")
	obj["created_at"] = time.Now().Unix()
	s.consumers = append(s.consumers, &consumerState{consumer: obj, plugins: map[string][]object{}})
	return obj["id"].(string)
}

// AddConsumerPlugin seeds an auth plugin instance (acls, key-auth, oauth2, ...) and returns its id.
func (s *Server) AddConsumerPlugin(consumerID, kind string, data interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(consumerID)
	if consumer == nil {
		panic("kongtest: unknown consumer " + consumerID)
	}
	obj := toObject(data)
	obj["id"] = s.nextID(kind)
	obj["consumer_id"] = consumerID
	consumer.plugins[kind] = append(consumer.plugins[kind], obj)
	return obj["id"].(string)
}

// Apis returns the stored apis.
func (s *Server) Apis() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]object{}, s.apis...)
}

// ApiPlugins returns the plugins of an api, consumer scoped ones included.
func (s *Server) ApiPlugins(apiIDOrName string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	api := s.findApi(apiIDOrName)
	if api == nil {
		return nil
	}
	return s.pluginsOf(api["id"].(string), "")
}

// Consumers returns the stored consumers.
func (s *Server) Consumers() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumers := make([]object, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c.consumer)
	}
	return consumers
}

// ConsumerPlugins returns the instances of one auth plugin kind of a consumer.
func (s *Server) ConsumerPlugins(consumerID, kind string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(consumerID)
	if consumer == nil {
		return nil
	}
	return append([]object{}, consumer.plugins[kind]...)
}

// SetVersion changes the version reported at the admin root.
func (s *Server) SetVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

// SetDatabase toggles the database section of the status resource.
func (s *Server) SetDatabase(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.database = reachable
}

func (s *Server) getRoot(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, object{"version": s.version, "tagline": "Welcome to kong"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := object{"server": object{"connections_active": 1}}
	if s.database {
		status["database"] = object{"reachable": true}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listApis(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeCollection(w, s.apis, "")
}

func (s *Server) createApi(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := bodyOf(req)
	name, _ := obj["name"].(string)
	if name == "" || s.findApi(name) != nil {
		writeJSON(w, http.StatusConflict, object{"name": "already exists with value '" + name + "'"})
		return
	}
	obj["id"] = s.nextID("api")
	obj["created_at"] = time.Now().Unix()
	applyApiDefaults(obj)
	s.apis = append(s.apis, obj)
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) patchApi(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	api := s.findApi(chi.URLParam(req, "api"))
	if api == nil {
		notFound(w)
		return
	}
	merge(api, bodyOf(req))
	writeJSON(w, http.StatusOK, api)
}

func (s *Server) deleteApi(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	api := s.findApi(chi.URLParam(req, "api"))
	if api == nil {
		notFound(w)
		return
	}
	id := api["id"]
	s.apis = remove(s.apis, func(o object) bool { return o["id"] == id })
	s.plugins = remove(s.plugins, func(o object) bool { return o["api_id"] == id })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listApiPlugins(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	api := s.findApi(chi.URLParam(req, "api"))
	if api == nil {
		notFound(w)
		return
	}
	writeCollection(w, s.pluginsOf(api["id"].(string), req.URL.Query().Get("consumer_id")), "")
}

func (s *Server) createApiPlugin(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	api := s.findApi(chi.URLParam(req, "api"))
	if api == nil {
		notFound(w)
		return
	}
	obj := bodyOf(req)
	consumerID, _ := obj["consumer_id"].(string)
	for _, p := range s.pluginsOf(api["id"].(string), consumerID) {
		if p["name"] == obj["name"] && fmt.Sprint(p["consumer_id"]) == fmt.Sprint(obj["consumer_id"]) {
			writeJSON(w, http.StatusConflict, object{"name": "already exists with value '" + fmt.Sprint(obj["name"]) + "'"})
			return
		}
	}
	obj = s.newPlugin(api, obj)
	s.plugins = append(s.plugins, obj)
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) patchApiPlugin(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugin := s.findPlugin(chi.URLParam(req, "plugin"))
	if plugin == nil {
		notFound(w)
		return
	}
	patch := bodyOf(req)
	delete(patch, "id")
	delete(patch, "api_id")
	merge(plugin, patch)
	writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) deleteApiPlugin(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugin := s.findPlugin(chi.URLParam(req, "plugin"))
	if plugin == nil {
		notFound(w)
		return
	}
	id := plugin["id"]
	s.plugins = remove(s.plugins, func(o object) bool { return o["id"] == id })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConsumers(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := req.URL.Query()
	matches := []object{}
	for _, c := range s.consumers {
		if v := query.Get("username"); v != "" && c.consumer["username"] != v {
			continue
		}
		if v := query.Get("custom_id"); v != "" && c.consumer["custom_id"] != v {
			continue
		}
		matches = append(matches, c.consumer)
	}
	next := ""
	if size, err := strconv.Atoi(query.Get("size")); err == nil && size > 0 && size < len(matches) {
		matches = matches[:size]
		next = fmt.Sprintf("%s/consumers?offset=%s&size=%d", s.URL, matches[size-1]["id"], size)
	}
	writeCollection(w, matches, next)
}

func (s *Server) createConsumer(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := bodyOf(req)
	username, _ := obj["username"].(string)
	if username != "" && s.findConsumer(username) != nil {
		writeJSON(w, http.StatusConflict, object{"username": "already exists with value '" + username + "'"})
		return
	}
	obj["id"] = s.nextID("consumer")
	obj["created_at"] = time.Now().Unix()
	s.consumers = append(s.consumers, &consumerState{consumer: obj, plugins: map[string][]object{}})
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) getConsumer(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(chi.URLParam(req, "consumer"))
	if consumer == nil {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, consumer.consumer)
}

func (s *Server) patchConsumer(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(chi.URLParam(req, "consumer"))
	if consumer == nil {
		notFound(w)
		return
	}
	patch := bodyOf(req)
	delete(patch, "id")
	merge(consumer.consumer, patch)
	writeJSON(w, http.StatusOK, consumer.consumer)
}

func (s *Server) deleteConsumer(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(chi.URLParam(req, "consumer"))
	if consumer == nil {
		notFound(w)
		return
	}
	id := consumer.consumer["id"]
	kept := s.consumers[:0]
	for _, c := range s.consumers {
		if c.consumer["id"] != id {
			kept = append(kept, c)
		}
	}
	s.consumers = kept
	s.plugins = remove(s.plugins, func(o object) bool { return o["consumer_id"] == id })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConsumerPlugins(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(chi.URLParam(req, "consumer"))
	if consumer == nil {
		notFound(w)
		return
	}
	writeCollection(w, consumer.plugins[chi.URLParam(req, "kind")], "")
}

func (s *Server) createConsumerPlugin(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(chi.URLParam(req, "consumer"))
	if consumer == nil {
		notFound(w)
		return
	}
	kind := chi.URLParam(req, "kind")
	obj := bodyOf(req)
	obj["id"] = s.nextID(kind)
	obj["consumer_id"] = consumer.consumer["id"]
	obj["created_at"] = time.Now().Unix()
	consumer.plugins[kind] = append(consumer.plugins[kind], obj)
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) deleteConsumerPlugin(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumer := s.findConsumer(chi.URLParam(req, "consumer"))
	if consumer == nil {
		notFound(w)
		return
	}
	kind, instance := chi.URLParam(req, "kind"), chi.URLParam(req, "instance")
	before := len(consumer.plugins[kind])
	consumer.plugins[kind] = remove(consumer.plugins[kind], func(o object) bool { return o["id"] == instance })
	if len(consumer.plugins[kind]) == before {
		notFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) findApi(idOrName string) object {
	for _, api := range s.apis {
		if api["id"] == idOrName || api["name"] == idOrName {
			return api
		}
	}
	return nil
}

func (s *Server) findPlugin(id string) object {
	for _, plugin := range s.plugins {
		if plugin["id"] == id {
			return plugin
		}
	}
	return nil
}

func (s *Server) findConsumer(idOrName string) *consumerState {
	for _, c := range s.consumers {
		if c.consumer["id"] == idOrName || c.consumer["username"] == idOrName {
			return c
		}
	}
	return nil
}

// pluginsOf lists the plugins of an api, restricted to one consumer when consumerID is set.
func (s *Server) pluginsOf(apiID, consumerID string) []object {
	plugins := []object{}
	for _, plugin := range s.plugins {
		if plugin["api_id"] != apiID {
			continue
		}
		if consumerID != "" && plugin["consumer_id"] != consumerID {
			continue
		}
		plugins = append(plugins, plugin)
	}
	return plugins
}

// newPlugin stores the gateway side defaults a real node adds.
func (s *Server) newPlugin(api, obj object) object {
	obj["id"] = s.nextID("plugin")
	obj["api_id"] = api["id"]
	obj["created_at"] = time.Now().Unix()
	if _, ok := obj["enabled"]; !ok {
		obj["enabled"] = true
	}
	if _, ok := obj["config"]; !ok {
		obj["config"] = object{}
	}
	return obj
}

func applyApiDefaults(api object) {
	defaults := object{
		"strip_uri":                true,
		"preserve_host":            false,
		"retries":                  5,
		"upstream_connect_timeout": 60000,
		"upstream_send_timeout":    60000,
		"upstream_read_timeout":    60000,
		"https_only":               false,
		"http_if_terminated":       false,
	}
	for key, value := range defaults {
		if _, ok := api[key]; !ok {
			api[key] = value
		}
	}
}

func merge(target, patch object) {
	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		target[key] = patch[key]
	}
}

func remove(objects []object, match func(object) bool) []object {
	kept := []object{}
	for _, o := range objects {
		if !match(o) {
			kept = append(kept, o)
		}
	}
	return kept
}

func toObject(v interface{}) object {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	obj := object{}
	if err := json.Unmarshal(data, &obj); err != nil {
		panic(err)
	}
	return obj
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, object{"message": "Not found"})
}

func writeCollection(w http.ResponseWriter, data []object, next string) {
	if data == nil {
		data = []object{}
	}
	body := object{"data": data, "total": len(data)}
	if next != "" {
		body["next"] = next
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// PathOf strips the query from a recorded path.
func PathOf(path string) string {
	if i := strings.Index(path, "?"); i >= 0 {
		return path[:i]
	}
	return path
}
