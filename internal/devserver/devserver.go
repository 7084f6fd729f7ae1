// Package devserver is an in-memory stand-in for the remote workbench
// API, used for local development and end-to-end engine tests. It speaks
// the same envelope protocol and usn discipline as the real service but
// keeps everything in process memory.
package devserver

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/apiplus/workbench/internal/api"
)

type account struct {
	password string
	skey     string
	acct     api.Account
}

type resourceRecord struct {
	delta     api.ResourceDelta
	updatedAt int64
}

type workspaceRecord struct {
	delta     api.WorkspaceDelta
	updatedAt int64
	deleted   bool
	deletedAt int64
	members   map[string]string // uid -> role

	resources  map[string]*resourceRecord
	tombstones map[string]*resourceRecord
}

// Server holds the in-memory remote state.
type Server struct {
	mu         sync.Mutex
	usn        int64
	showSeq    int64
	clock      int64
	accounts   map[string]*account // keyed by email
	tokens     map[string]string   // token -> email
	workspaces map[string]*workspaceRecord
}

// New creates an empty dev server. Seed accounts with AddAccount.
func New() *Server {
	return &Server{
		accounts:   make(map[string]*account),
		tokens:     make(map[string]string),
		workspaces: make(map[string]*workspaceRecord),
	}
}

// AddAccount seeds a login. The returned token is pre-registered so
// clients may also skip the login round trip.
func (s *Server) AddAccount(email, password, skey string, acct api.Account) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct.Token == "" {
		acct.Token = "tok_" + email
	}
	s.accounts[email] = &account{password: password, skey: skey, acct: acct}
	s.tokens[acct.Token] = email
	return acct.Token
}

// tick advances the logical clock used for delta windows. Wall time is
// too coarse here: a write and a pull in the same millisecond would hide
// the write from the next delta.
func (s *Server) tick() int64 {
	s.clock++
	return s.clock
}

// NextUSN returns the current top of the sequence counter.
func (s *Server) NextUSN() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usn
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/login", s.handleLogin)
	r.POST("/skey_login", s.handleSkeyLogin)

	authed := r.Group("/", s.auth)
	{
		authed.GET("/projects/:id/pull", s.handlePull)
		authed.PUT("/projects/:id", s.handlePutWorkspace)
		authed.DELETE("/projects/:id", s.handleDeleteWorkspace)
		authed.PUT("/projects/:id/folders/:fid", s.handlePutResource("fid", "RequestGroup"))
		authed.DELETE("/projects/:id/folders/:fid", s.handleDeleteResource("fid"))
		authed.PUT("/projects/:id/reqs/:rid", s.handlePutResource("rid", "Request"))
		authed.DELETE("/projects/:id/reqs/:rid", s.handleDeleteResource("rid"))
		authed.PUT("/projects/:id/reqs/:rid/update_response", s.handleUpdateResponse)
	}
	return r
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, gin.H{"success": false, "msg": msg})
}

func (s *Server) auth(c *gin.Context) {
	token := c.GetHeader("X-Token")
	s.mu.Lock()
	email, known := s.tokens[token]
	s.mu.Unlock()
	if !known {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set("email", email)
	c.Next()
}

func (s *Server) accountFor(c *gin.Context) *account {
	email, _ := c.Get("email")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[email.(string)]
}

func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, "invalid request body")
		return
	}
	s.mu.Lock()
	a := s.accounts[body.Email]
	s.mu.Unlock()
	if a == nil || a.password != body.Password {
		fail(c, "invalid credentials")
		return
	}
	ok(c, a.acct)
}

func (s *Server) handleSkeyLogin(c *gin.Context) {
	var body struct {
		Skey string `json:"skey"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, "invalid request body")
		return
	}
	s.mu.Lock()
	var match *account
	for _, a := range s.accounts {
		if a.skey != "" && a.skey == body.Skey {
			match = a
			break
		}
	}
	s.mu.Unlock()
	if match == nil {
		fail(c, "invalid session key")
		return
	}
	ok(c, match.acct)
}

func (s *Server) handlePull(c *gin.Context) {
	a := s.accountFor(c)
	workspaceID := c.Param("id")
	checkAt, _ := strconv.ParseInt(c.Query("last_workspaces_check_at"), 10, 64)
	pullAt, _ := strconv.ParseInt(c.Query("last_pull_at"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()

	delta := api.PullDelta{PullAt: s.clock, User: &a.acct}
	for _, ws := range s.workspaces {
		role, member := ws.members[a.acct.UID]
		if !member {
			continue
		}
		if ws.deleted {
			if ws.deletedAt > checkAt {
				delta.DeletedWorkspaces = append(delta.DeletedWorkspaces, ws.delta)
			}
			continue
		}
		if ws.updatedAt > checkAt {
			d := ws.delta
			d.Role = role
			delta.UpsertWorkspaces = append(delta.UpsertWorkspaces, d)
		}
	}

	if ws := s.workspaces[workspaceID]; ws != nil && !ws.deleted {
		for _, rr := range ws.resources {
			if rr.updatedAt > pullAt {
				delta.UpsertResources = append(delta.UpsertResources, rr.delta)
			}
		}
		for _, rr := range ws.tombstones {
			if rr.updatedAt > pullAt {
				delta.DeletedResources = append(delta.DeletedResources, rr.delta)
			}
		}
	}
	ok(c, delta)
}

func (s *Server) handlePutWorkspace(c *gin.Context) {
	a := s.accountFor(c)
	id := c.Param("id")
	var body struct {
		EncContent string `json:"encContent"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workspaces[id]
	if ws == nil {
		ws = &workspaceRecord{
			members:    map[string]string{a.acct.UID: "owner"},
			resources:  make(map[string]*resourceRecord),
			tombstones: make(map[string]*resourceRecord),
		}
		s.workspaces[id] = ws
	}
	if role := ws.members[a.acct.UID]; role == "viewer" {
		fail(c, "permission denied")
		return
	}
	s.usn++
	now := s.tick()
	ws.delta = api.WorkspaceDelta{
		ID: id, USN: s.usn, EncContent: body.EncContent, CreatedBy: a.acct.UID,
	}
	ws.updatedAt = now
	ws.deleted = false
	ok(c, api.WriteResult{USN: s.usn})
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	a := s.accountFor(c)
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workspaces[id]
	if ws == nil {
		fail(c, "no such workspace")
		return
	}
	if ws.members[a.acct.UID] != "owner" {
		fail(c, "permission denied")
		return
	}
	s.usn++
	ws.deleted = true
	ws.deletedAt = s.tick()
	ok(c, api.WriteResult{USN: s.usn})
}

func (s *Server) handlePutResource(param, docType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := s.accountFor(c)
		workspaceID := c.Param("id")
		id := c.Param(param)
		var body struct {
			EncContent string `json:"encContent"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, "invalid request body")
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.workspaces[workspaceID]
		if ws == nil || ws.deleted {
			fail(c, "no such workspace")
			return
		}
		if role := ws.members[a.acct.UID]; role == "" || role == "viewer" {
			fail(c, "permission denied")
			return
		}

		s.usn++
		now := s.tick()
		rr := ws.resources[id]
		result := api.WriteResult{USN: s.usn}
		if rr == nil {
			rr = &resourceRecord{}
			ws.resources[id] = rr
			if docType == "Request" {
				s.showSeq++
				result.ShowID = fmt.Sprintf("R-%d", s.showSeq)
			}
		}
		rr.delta = api.ResourceDelta{
			ID: id, Type: docType, EncContent: body.EncContent,
			USN: s.usn, LastEdited: now, LastEditedBy: a.acct.UID,
			CreatedBy: a.acct.UID,
			By:        api.Editor{UID: a.acct.UID, Nickname: a.acct.Nickname},
		}
		rr.updatedAt = now
		delete(ws.tombstones, id)
		ok(c, result)
	}
}

func (s *Server) handleDeleteResource(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := s.accountFor(c)
		workspaceID := c.Param("id")
		id := c.Param(param)

		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.workspaces[workspaceID]
		if ws == nil || ws.deleted {
			fail(c, "no such workspace")
			return
		}
		if role := ws.members[a.acct.UID]; role == "" || role == "viewer" {
			fail(c, "permission denied")
			return
		}

		s.usn++
		now := s.tick()
		rr := ws.resources[id]
		if rr == nil {
			rr = &resourceRecord{delta: api.ResourceDelta{ID: id}}
		}
		delete(ws.resources, id)
		rr.delta.USN = s.usn
		rr.delta.By = api.Editor{UID: a.acct.UID, Nickname: a.acct.Nickname}
		rr.updatedAt = now
		ws.tombstones[id] = rr
		ok(c, api.WriteResult{USN: s.usn})
	}
}

func (s *Server) handleUpdateResponse(c *gin.Context) {
	var body struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, "invalid request body")
		return
	}
	// Response bodies are accepted and discarded; the dev server has no
	// response viewer.
	ok(c, nil)
}
