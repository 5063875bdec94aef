// Package server exposes the admin API over HTTP. Every route authenticates
// a bearer token, checks the caller's cluster grants before any directory
// work, and audits mutation attempts including denied ones.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/dirfleet/dircp/internal/audit"
	"github.com/dirfleet/dircp/internal/auth"
	"github.com/dirfleet/dircp/internal/config"
	"github.com/dirfleet/dircp/internal/ldap"
)

// Searcher is the read surface of the directory engines.
type Searcher interface {
	Search(ctx context.Context, cluster, baseDN, filter string, pageSize int, cursor string) (*ldap.Page, error)
	GetEntry(ctx context.Context, cluster, dn string) (*ldap.Entry, error)
}

// Writer is the mutation surface of the directory engines.
type Writer interface {
	Add(ctx context.Context, cluster string, entry *ldap.Entry) (*ldap.OperationResult, error)
	Modify(ctx context.Context, cluster, dn string, changes []ldap.AttributeChange) (*ldap.OperationResult, error)
	Delete(ctx context.Context, cluster, dn string) (*ldap.OperationResult, error)
}

// HealthReader publishes cluster health snapshots.
type HealthReader interface {
	Status() []*ldap.ClusterHealth
	StatusFor(cluster string) *ldap.ClusterHealth
}

// Reloader is invoked by POST /v1/reload after a successful config reload.
type Reloader func() error

// Server wires the engines behind the HTTP routes.
type Server struct {
	registry *config.Registry
	gate     *auth.Gate
	searcher Searcher
	writer   Writer
	health   HealthReader
	audits   *audit.Stream
	reload   Reloader
	logger   hclog.Logger
}

func New(registry *config.Registry, gate *auth.Gate, searcher Searcher, writer Writer, health HealthReader, audits *audit.Stream, reload Reloader, logger hclog.Logger) *Server {
	return &Server{
		registry: registry,
		gate:     gate,
		searcher: searcher,
		writer:   writer,
		health:   health,
		audits:   audits,
		reload:   reload,
		logger:   logger.Named("server"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.authenticate())

	v1 := r.Group("/v1")
	{
		v1.GET("/clusters", s.listClusters)
		v1.GET("/health", s.allHealth)
		v1.GET("/forms", s.listForms)
		v1.POST("/reload", s.reloadConfig)

		cluster := v1.Group("/clusters/:cluster")
		{
			cluster.GET("/health", s.clusterHealth)
			cluster.GET("/entries", s.searchEntries)
			cluster.POST("/entries", s.addEntry)
			cluster.GET("/entry", s.getEntry)
			cluster.PATCH("/entry", s.modifyEntry)
			cluster.DELETE("/entry", s.deleteEntry)
		}
	}
	return r
}

const principalKey = "principal"

// authenticate resolves the bearer token to a principal. Unknown tokens are
// rejected up front; per-cluster grants are checked by each handler.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		principal, ok := s.gate.LookupToken(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown token"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func (s *Server) principal(c *gin.Context) *config.Principal {
	p, _ := c.MustGet(principalKey).(*config.Principal)
	return p
}

// authorize checks the caller's grant for the cluster. Denied mutations are
// audited before the handler returns.
func (s *Server) authorize(c *gin.Context, cluster string, op config.OperationKind, dn string) bool {
	p := s.principal(c)
	if s.gate.Allowed(p, cluster, op) {
		return true
	}
	if op == config.OpWrite {
		s.audits.Record(audit.Event{
			Principal:  p.Name,
			Cluster:    cluster,
			DN:         dn,
			Op:         c.Request.Method,
			Outcome:    string(ldap.KindAccessDenied),
			GateDenied: true,
		})
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"kind":  ldap.KindAccessDenied,
		"error": "principal lacks the required grant for this cluster",
	})
	return false
}

type clusterSummary struct {
	Name       string           `json:"name"`
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	BaseDN     string           `json:"base_dn"`
	TLS        string           `json:"tls"`
	Replicated bool             `json:"replicated"`
	State      ldap.HealthState `json:"state"`
}

func (s *Server) listClusters(c *gin.Context) {
	clusters := s.registry.ListClusters()
	out := make([]clusterSummary, 0, len(clusters))
	for _, cc := range clusters {
		state := ldap.HealthState("Unknown")
		if h := s.health.StatusFor(cc.Name); h != nil {
			state = h.State
		}
		out = append(out, clusterSummary{
			Name:       cc.Name,
			Host:       cc.Host,
			Port:       cc.Port,
			BaseDN:     cc.BaseDN,
			TLS:        string(cc.TLS),
			Replicated: cc.Replicated,
			State:      state,
		})
	}
	c.JSON(http.StatusOK, gin.H{"clusters": out})
}

func (s *Server) listForms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"forms": s.registry.Current().Forms})
}

func (s *Server) allHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clusters": s.health.Status()})
}

func (s *Server) clusterHealth(c *gin.Context) {
	name := c.Param("cluster")
	if _, err := s.registry.Get(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h := s.health.StatusFor(name)
	if h == nil {
		c.JSON(http.StatusOK, gin.H{"cluster": name, "state": "Unknown"})
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) searchEntries(c *gin.Context) {
	cluster := c.Param("cluster")
	if !s.authorize(c, cluster, config.OpRead, "") {
		return
	}

	cc, err := s.registry.Get(cluster)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	baseDN := c.Query("base")
	if baseDN == "" {
		baseDN = cc.BaseDN
	} else if cc.BaseDN != "" && !ldap.IsUnderBase(baseDN, cc.BaseDN) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base is outside the cluster's base DN"})
		return
	}
	pageSize := 100
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page_size must be an integer"})
			return
		}
		pageSize = n
	}

	page, err := s.searcher.Search(c.Request.Context(), cluster,
		baseDN, c.Query("filter"), pageSize, c.Query("cursor"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getEntry(c *gin.Context) {
	cluster := c.Param("cluster")
	if !s.authorize(c, cluster, config.OpRead, "") {
		return
	}
	dn := c.Query("dn")
	if dn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dn query parameter is required"})
		return
	}
	entry, err := s.searcher.GetEntry(c.Request.Context(), cluster, dn)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type addRequest struct {
	DN            string              `json:"dn" binding:"required"`
	ObjectClasses []string            `json:"objectClasses"`
	Attributes    map[string][]string `json:"attributes"`
	Form          string              `json:"form,omitempty"`
}

func (s *Server) addEntry(c *gin.Context) {
	cluster := c.Param("cluster")
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.authorize(c, cluster, config.OpWrite, req.DN) {
		return
	}

	entry := &ldap.Entry{
		DN:            req.DN,
		ObjectClasses: req.ObjectClasses,
		Attributes:    req.Attributes,
	}
	if req.Form != "" {
		if err := s.applyForm(cluster, req.Form, entry); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := s.writer.Add(c.Request.Context(), cluster, entry)
	s.finishMutation(c, cluster, entry.DN, "add", result, err)
}

// applyForm fills in the object classes a form prescribes and checks the
// entry is named by the form's RDN attribute and placed directly under the
// form's base DN.
func (s *Server) applyForm(cluster, formName string, entry *ldap.Entry) error {
	for _, f := range s.registry.Current().Forms {
		if f.Name != formName {
			continue
		}
		if f.Cluster != "" && f.Cluster != cluster {
			return errors.New("form does not apply to this cluster")
		}
		if _, err := ldap.RDNValue(entry.DN, f.RDNAttribute); err != nil {
			return fmt.Errorf("form %q names entries by %s: %w", f.Name, f.RDNAttribute, err)
		}
		if f.BaseDN != "" {
			parent, err := ldap.ParentDN(entry.DN)
			if err != nil || !ldap.EqualDN(parent, f.BaseDN) {
				return errors.New("entry DN is not directly under the form's base DN")
			}
		}
		if len(entry.ObjectClasses) == 0 {
			entry.ObjectClasses = append([]string(nil), f.ObjectClasses...)
		}
		return nil
	}
	return errors.New("unknown form")
}

type modifyRequest struct {
	Changes []ldap.AttributeChange `json:"changes" binding:"required"`
}

func (s *Server) modifyEntry(c *gin.Context) {
	cluster := c.Param("cluster")
	dn := c.Query("dn")
	if dn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dn query parameter is required"})
		return
	}
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.authorize(c, cluster, config.OpWrite, dn) {
		return
	}
	result, err := s.writer.Modify(c.Request.Context(), cluster, dn, req.Changes)
	s.finishMutation(c, cluster, dn, "modify", result, err)
}

func (s *Server) deleteEntry(c *gin.Context) {
	cluster := c.Param("cluster")
	dn := c.Query("dn")
	if dn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dn query parameter is required"})
		return
	}
	if !s.authorize(c, cluster, config.OpWrite, dn) {
		return
	}
	result, err := s.writer.Delete(c.Request.Context(), cluster, dn)
	s.finishMutation(c, cluster, dn, "delete", result, err)
}

func (s *Server) reloadConfig(c *gin.Context) {
	if !s.authorize(c, "*", config.OpWrite, "") {
		return
	}
	if err := s.registry.Reload(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if s.reload != nil {
		if err := s.reload(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// finishMutation audits the attempt and renders the result.
func (s *Server) finishMutation(c *gin.Context, cluster, dn, op string, result *ldap.OperationResult, err error) {
	outcome := string(ldap.KindUnavailable)
	if err == nil && result != nil {
		outcome = string(result.Kind)
	} else if err != nil {
		outcome = string(ldap.KindOf(err))
	}
	s.audits.Record(audit.Event{
		Principal: s.principal(c).Name,
		Cluster:   cluster,
		DN:        dn,
		Op:        op,
		Outcome:   outcome,
	})

	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(statusForKind(result.Kind), result)
}

// renderError maps engine errors onto HTTP. Errors without a taxonomy kind
// are caller-input problems and come back as 400.
func (s *Server) renderError(c *gin.Context, err error) {
	var re *ldap.ResultError
	if errors.As(err, &re) {
		c.JSON(statusForKind(re.Kind), gin.H{"kind": re.Kind, "error": re.Message})
		return
	}
	if errors.Is(err, ldap.ErrInvalidPageSize) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ldap.IsDirectoryError(err) {
		kind := ldap.KindOf(err)
		c.JSON(statusForKind(kind), gin.H{"kind": kind, "error": err.Error()})
		return
	}
	// Anything else was raised before a network call: bad DN, unsupported
	// change op. Caller input, not directory state.
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func statusForKind(kind ldap.ResultKind) int {
	switch kind {
	case ldap.KindSuccess:
		return http.StatusOK
	case ldap.KindSchemaViolation:
		return http.StatusUnprocessableEntity
	case ldap.KindAccessDenied:
		return http.StatusForbidden
	case ldap.KindNotFound:
		return http.StatusNotFound
	case ldap.KindConflict:
		return http.StatusConflict
	case ldap.KindInvalidFilter:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
