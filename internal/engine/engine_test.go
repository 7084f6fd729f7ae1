package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/backup"
	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/message"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/resource"
	"github.com/apiplus/workbench/internal/session"
	"github.com/apiplus/workbench/internal/store"
)

// stubRemote scripts the remote API for engine tests.
type stubRemote struct {
	mu        sync.Mutex
	order     []string // "PUT req_1", "DELETE wrk_1", ... in call order
	results   map[string]*api.WriteResult
	errs      map[string]error
	delta     *api.PullDelta
	pullErr   error
	pullCalls int
	nextUSN   int64
}

func newStubRemote() *stubRemote {
	return &stubRemote{
		results: make(map[string]*api.WriteResult),
		errs:    make(map[string]error),
	}
}

func (s *stubRemote) write(verb, id string) (*api.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, verb+" "+id)
	if err := s.errs[id]; err != nil {
		return nil, err
	}
	if r := s.results[id]; r != nil {
		return r, nil
	}
	s.nextUSN++
	return &api.WriteResult{USN: s.nextUSN}, nil
}

func (s *stubRemote) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *stubRemote) Pull(ctx context.Context, workspaceID string, checkAt, pullAt int64) (*api.PullDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullCalls++
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	if s.delta != nil {
		return s.delta, nil
	}
	return &api.PullDelta{PullAt: time.Now().UnixMilli()}, nil
}

func (s *stubRemote) PutWorkspace(ctx context.Context, id, enc string) (*api.WriteResult, error) {
	return s.write("PUT", id)
}

func (s *stubRemote) DeleteWorkspace(ctx context.Context, id string) (*api.WriteResult, error) {
	return s.write("DELETE", id)
}

func (s *stubRemote) PutFolder(ctx context.Context, wsID, id, enc string) (*api.WriteResult, error) {
	return s.write("PUT", id)
}

func (s *stubRemote) DeleteFolder(ctx context.Context, wsID, id string) (*api.WriteResult, error) {
	return s.write("DELETE", id)
}

func (s *stubRemote) PutRequest(ctx context.Context, wsID, id, enc string) (*api.WriteResult, error) {
	return s.write("PUT", id)
}

func (s *stubRemote) DeleteRequest(ctx context.Context, wsID, id string) (*api.WriteResult, error) {
	return s.write("DELETE", id)
}

func (s *stubRemote) UpdateResponse(ctx context.Context, wsID, reqID, body string) error {
	_, err := s.write("RESPONSE", reqID)
	return err
}

type testEnv struct {
	db        *store.DB
	resources *resource.Store
	backups   *backup.Tracker
	meta      *meta.Store
	messages  *message.Store
	sessions  *session.Store
	remote    *stubRemote
}

func newTestEngine(t *testing.T) (*Engine, *testEnv) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	env := &testEnv{
		db:        db,
		resources: resource.NewStore(db),
		backups:   backup.NewTracker(db),
		meta:      meta.NewStore(db),
		messages:  message.NewStore(db),
		sessions:  session.NewStore(db),
		remote:    newStubRemote(),
	}
	e, err := New(Options{
		DB:        env.db,
		Resources: env.resources,
		Backups:   env.backups,
		Meta:      env.meta,
		Messages:  env.messages,
		Sessions:  env.sessions,
		Remote:    env.remote,
		Debounce:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, env
}

func loginTest(t *testing.T, env *testEnv, plan string) {
	t.Helper()
	err := env.sessions.Save(context.Background(), &session.Session{
		Token: "tok_test", UID: "u_1", Nickname: "tester", Plan: plan,
	})
	if err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
}

// addWorkspace inserts a workspace document with owner membership and
// makes it active.
func addWorkspace(t *testing.T, e *Engine, env *testEnv, id, name string) *document.Document {
	t.Helper()
	ctx := context.Background()
	doc := &document.Document{ID: id, Type: document.TypeWorkspace, Name: name}
	if err := env.db.Insert(ctx, doc, false); err != nil {
		t.Fatalf("failed to insert workspace: %v", err)
	}
	if _, err := env.meta.GetOrCreateWorkspace(ctx, id, "u_1"); err != nil {
		t.Fatalf("failed to create workspace meta: %v", err)
	}
	if err := e.SetActiveWorkspace(ctx, id); err != nil {
		t.Fatalf("failed to activate workspace: %v", err)
	}
	return doc
}

func addRequest(t *testing.T, env *testEnv, id, parentID, url string, modified int64) *document.Document {
	t.Helper()
	doc := &document.Document{
		ID:       id,
		Type:     document.TypeRequest,
		ParentID: parentID,
		Name:     "r-" + id,
		Modified: modified,
		Extra: map[string]json.RawMessage{
			"url": json.RawMessage(`"` + url + `"`),
		},
	}
	if err := env.db.Insert(context.Background(), doc, false); err != nil {
		t.Fatalf("failed to insert request: %v", err)
	}
	return doc
}

func encodeDoc(t *testing.T, doc *document.Document) string {
	t.Helper()
	enc, err := document.Encode(doc)
	if err != nil {
		t.Fatalf("failed to encode document: %v", err)
	}
	return enc
}

func TestPushDirtyConvergence(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	doc := addWorkspace(t, e, env, "wrk_1", "Main")

	if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}
	env.remote.results["wrk_1"] = &api.WriteResult{USN: 9}

	n, err := e.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pushed, got %d", n)
	}

	r, err := env.resources.GetByDocID(ctx, "wrk_1")
	if err != nil {
		t.Fatalf("GetByDocID failed: %v", err)
	}
	if r.Dirty {
		t.Error("pushed resource must not stay dirty")
	}
	if r.USN != 9 {
		t.Errorf("usn must match server value, got %d", r.USN)
	}
}

func TestPushOrdersByLastEdited(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	later := addRequest(t, env, "req_late", "wrk_1", "https://x/2", 200)
	earlier := addRequest(t, env, "req_early", "wrk_1", "https://x/1", 100)
	for _, doc := range []*document.Document{later, earlier} {
		if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
			t.Fatalf("SaveResource failed: %v", err)
		}
	}

	if _, err := e.Push(ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	calls := env.remote.calls()
	if len(calls) != 2 || calls[0] != "PUT req_early" || calls[1] != "PUT req_late" {
		t.Errorf("earlier edits must upload first: %v", calls)
	}
}

func TestPushPlanGate(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, "free")
	doc := addWorkspace(t, e, env, "wrk_1", "Main")
	if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}

	n, err := e.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n != 0 || len(env.remote.calls()) != 0 {
		t.Errorf("free plan must not push: n=%d calls=%v", n, env.remote.calls())
	}
}

func TestPushSkipsViewerAndRevoked(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)

	addWorkspace(t, e, env, "wrk_view", "Shared")
	wm, _ := env.meta.GetWorkspace(ctx, "wrk_view")
	wm.Role = meta.RoleViewer
	if err := env.meta.PutWorkspace(ctx, wm); err != nil {
		t.Fatalf("PutWorkspace failed: %v", err)
	}

	doc := addRequest(t, env, "req_1", "wrk_view", "https://x", 100)
	if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}

	n, err := e.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n != 0 || len(env.remote.calls()) != 0 {
		t.Errorf("viewer role must be skipped without a network call: %v", env.remote.calls())
	}

	// The resource stays dirty so a role upgrade can push it later.
	r, _ := env.resources.GetByDocID(ctx, "req_1")
	if !r.Dirty {
		t.Error("skipped resource must stay dirty")
	}
}

func TestPushWorkspaceRemoveBypassesRoleGate(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)

	// No membership record at all: the workspace doc is already gone.
	r := &resource.Resource{
		DocID: "wrk_gone", WorkspaceID: "wrk_gone",
		Type: document.TypeWorkspace, Dirty: true, Event: resource.EventRemove,
	}
	if err := env.resources.Insert(ctx, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	n, err := e.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n != 1 {
		t.Errorf("workspace remove must push despite missing membership, n=%d", n)
	}
	calls := env.remote.calls()
	if len(calls) != 1 || calls[0] != "DELETE wrk_gone" {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestPushPartialFailure(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	bad := addRequest(t, env, "req_bad", "wrk_1", "https://x/1", 100)
	good := addRequest(t, env, "req_good", "wrk_1", "https://x/2", 200)
	for _, doc := range []*document.Document{bad, good} {
		if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
			t.Fatalf("SaveResource failed: %v", err)
		}
	}
	env.remote.errs["req_bad"] = &api.HTTPError{StatusCode: 500}

	n, err := e.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n != 1 {
		t.Errorf("one bad resource must not block the batch, n=%d", n)
	}

	badRes, _ := env.resources.GetByDocID(ctx, "req_bad")
	if !badRes.Dirty {
		t.Error("failed resource must stay dirty for the next cycle")
	}
}

func TestPushUnauthorizedForcesLogout(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	doc := addWorkspace(t, e, env, "wrk_1", "Main")
	if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}
	env.remote.errs["wrk_1"] = api.ErrUnauthorized

	events, cancel := e.Events()
	defer cancel()

	if _, err := e.Push(ctx); err == nil {
		t.Fatal("expected push error on auth rejection")
	}

	sess, err := env.sessions.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess != nil {
		t.Error("auth rejection must force a logout")
	}
	select {
	case ev := <-events:
		if ev.Kind != KindLogout {
			t.Errorf("expected logout event, got %s", ev.Kind)
		}
	default:
		t.Error("expected a logout event")
	}
}

func TestPushGateSingleFlight(t *testing.T) {
	var g pushGate

	if !g.enter() {
		t.Fatal("idle gate must admit")
	}
	// Two arrivals during the run collapse into one pending rerun.
	if g.enter() {
		t.Error("running gate must not admit")
	}
	if g.enter() {
		t.Error("running gate must not admit twice")
	}
	if !g.leave() {
		t.Error("leave must report the pending rerun")
	}
	if g.leave() {
		t.Error("second leave must find no pending rerun")
	}
	if !g.enter() {
		t.Error("gate must be idle again")
	}
	g.release()
	if !g.enter() {
		t.Error("release must return the gate to idle")
	}
}

func TestPullInsertsNewDocumentsIdempotently(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	remoteDoc := &document.Document{
		ID: "req_new", Type: document.TypeRequest, ParentID: "wrk_1",
		Name: "Users", Created: 50, Modified: 60,
		Extra: map[string]json.RawMessage{"url": json.RawMessage(`"https://api/users"`)},
	}
	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		UpsertResources: []api.ResourceDelta{{
			ID: "req_new", Type: document.TypeRequest, Name: "Users",
			EncContent: encodeDoc(t, remoteDoc), USN: 3,
			By: api.Editor{UID: "u_2", Nickname: "bob"},
		}},
	}

	res, err := e.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("expected 1 applied, got %d", res.Applied)
	}

	got, err := env.db.GetByID(ctx, "req_new")
	if err != nil {
		t.Fatalf("pulled document missing: %v", err)
	}
	if got.Modified != 60 {
		t.Errorf("fromSync apply must not bump modified, got %d", got.Modified)
	}
	r, _ := env.resources.GetByDocID(ctx, "req_new")
	if r == nil || r.Dirty || r.USN != 3 {
		t.Errorf("pulled resource must be clean at remote usn: %+v", r)
	}

	// Same delta again: usn skip, no extra message.
	if _, err := e.Pull(ctx, ""); err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	msgs, err := env.messages.ListForUID(ctx, "u_1", 0)
	if err != nil {
		t.Fatalf("ListForUID failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("re-applied delta must not duplicate messages, got %d", len(msgs))
	}
	if msgs[0].Action != message.ActionInsert || msgs[0].By != "bob" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestPullSkipsOwnPushedChange(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	doc := addRequest(t, env, "req_1", "wrk_1", "https://x", 100)
	if err := e.SaveResource(ctx, resource.EventInsert, doc, 0, true); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}
	env.remote.results["req_1"] = &api.WriteResult{USN: 5}
	if _, err := e.Push(ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// The server echoes our own change back at the same usn.
	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		UpsertResources: []api.ResourceDelta{{
			ID: "req_1", Type: document.TypeRequest,
			EncContent: encodeDoc(t, doc), USN: 5,
		}},
	}
	res, err := e.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Applied != 0 {
		t.Errorf("own echoed change must be a no-op, applied %d", res.Applied)
	}
	msgs, _ := env.messages.ListForUID(ctx, "u_1", 0)
	if len(msgs) != 0 {
		t.Errorf("no-op pull must not log messages, got %d", len(msgs))
	}
}

func TestPullConflictPreservesDraft(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	// Local draft: tracked at usn 1 with unsaved edits.
	local := addRequest(t, env, "req_1", "wrk_1", "https://x/draft", 100)
	if err := e.SaveResource(ctx, resource.EventInsert, local, 1, false); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}
	if err := env.meta.PutRequest(ctx, &meta.RequestMeta{ParentID: "req_1", Unsave: true}); err != nil {
		t.Fatalf("PutRequest failed: %v", err)
	}

	// Another device pushed usn 2 for the same request.
	remoteDoc := local.Clone()
	remoteDoc.Extra["url"] = json.RawMessage(`"https://x/theirs"`)
	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		UpsertResources: []api.ResourceDelta{{
			ID: "req_1", Type: document.TypeRequest, Name: remoteDoc.Name,
			EncContent: encodeDoc(t, remoteDoc), USN: 2,
			By: api.Editor{Nickname: "bob"},
		}},
	}

	if _, err := e.Pull(ctx, ""); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	// Draft untouched.
	got, _ := env.db.GetByID(ctx, "req_1")
	if string(got.Extra["url"]) != `"https://x/draft"` {
		t.Errorf("conflict must not overwrite the draft: %s", got.Extra["url"])
	}

	// Remote content landed as a renamed sibling under a fresh id.
	sibling, err := env.db.GetByTypeAndName(ctx, document.TypeRequest, local.Name+"[Conflict]")
	if err != nil {
		t.Fatalf("conflict sibling missing: %v", err)
	}
	if sibling.ID == "req_1" {
		t.Error("conflict sibling must get a new id")
	}
	if string(sibling.Extra["url"]) != `"https://x/theirs"` {
		t.Errorf("sibling must carry the remote content: %s", sibling.Extra["url"])
	}

	// Resource advanced so the delta is not re-applied as another conflict.
	r, _ := env.resources.GetByDocID(ctx, "req_1")
	if r.USN != 2 {
		t.Errorf("conflict must advance the local usn, got %d", r.USN)
	}
	msgs, _ := env.messages.ListForUID(ctx, "u_1", 0)
	if len(msgs) != 1 || msgs[0].Action != message.ActionConflict {
		t.Errorf("expected one conflict message: %+v", msgs)
	}

	if _, err := e.Pull(ctx, ""); err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	siblings, _ := env.db.All(ctx, document.TypeRequest)
	count := 0
	for _, d := range siblings {
		if d.Name == local.Name+"[Conflict]" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("re-pulling must not duplicate the conflict sibling, got %d", count)
	}
}

func TestPullAppliesRemoteDelete(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	doc := addRequest(t, env, "req_1", "wrk_1", "https://x", 100)
	if err := e.SaveResource(ctx, resource.EventInsert, doc, 1, false); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}

	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		DeletedResources: []api.ResourceDelta{{
			ID: "req_1", Type: document.TypeRequest, USN: 2,
			By: api.Editor{Nickname: "bob"},
		}},
	}
	res, err := e.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("expected 1 applied delete, got %d", res.Applied)
	}
	if _, err := env.db.GetByID(ctx, "req_1"); err == nil {
		t.Error("remotely deleted document must be removed locally")
	}
	msgs, _ := env.messages.ListForUID(ctx, "u_1", 0)
	if len(msgs) != 1 || msgs[0].Action != message.ActionDeleted {
		t.Errorf("expected one deleted message: %+v", msgs)
	}

	// Deleting again is a no-op.
	if _, err := e.Pull(ctx, ""); err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	msgs, _ = env.messages.ListForUID(ctx, "u_1", 0)
	if len(msgs) != 1 {
		t.Errorf("already-gone delete must not log again, got %d", len(msgs))
	}
}

func TestPullRevokedActiveWorkspaceAborts(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Shared")
	wm, _ := env.meta.GetWorkspace(ctx, "wrk_1")
	wm.Role = meta.RoleEditor
	if err := env.meta.PutWorkspace(ctx, wm); err != nil {
		t.Fatalf("PutWorkspace failed: %v", err)
	}

	remoteDoc := &document.Document{ID: "req_x", Type: document.TypeRequest, ParentID: "wrk_1", Name: "X"}
	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		UpsertWorkspaces: []api.WorkspaceDelta{{
			ID: "wrk_1", Name: "Shared", Role: meta.RoleEditor, ExpiredAt: 999, USN: 5,
		}},
		UpsertResources: []api.ResourceDelta{{
			ID: "req_x", Type: document.TypeRequest, EncContent: encodeDoc(t, remoteDoc), USN: 1,
		}},
	}

	res, err := e.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if !res.Aborted {
		t.Error("revoked active workspace must abort the pull")
	}
	if _, err := env.db.GetByID(ctx, "req_x"); err == nil {
		t.Error("aborted pull must not apply resource deltas")
	}

	wm, _ = env.meta.GetWorkspace(ctx, "wrk_1")
	if wm.UID != meta.UIDUnshared || wm.ExpiredAt == nil {
		t.Errorf("revoked share must be detached, not deleted: %+v", wm)
	}

	active, _ := e.ActiveWorkspace(ctx)
	if active == "wrk_1" || active == "" {
		t.Errorf("pull must switch away from the revoked workspace, active=%s", active)
	}
}

func TestPullDeletedActiveWorkspaceRecovers(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_other", "Other")
	addWorkspace(t, e, env, "wrk_1", "Doomed") // active

	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		DeletedWorkspaces: []api.WorkspaceDelta{{
			ID: "wrk_1", Name: "Doomed",
		}},
	}

	res, err := e.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if !res.Aborted {
		t.Error("deleting the active workspace must abort resource reconciliation")
	}

	active, _ := e.ActiveWorkspace(ctx)
	if active != "wrk_other" {
		t.Errorf("recovery must activate the surviving workspace, got %s", active)
	}
	if _, err := env.db.GetByID(ctx, "wrk_1"); err == nil {
		t.Error("deleted workspace must be removed locally")
	}
	if len(res.Notices) == 0 {
		t.Error("workspace deletion must produce a notice")
	}
}

func TestPullDeletedLastWorkspaceCreatesDefault(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_only", "Only")

	env.remote.delta = &api.PullDelta{
		PullAt:            1000,
		DeletedWorkspaces: []api.WorkspaceDelta{{ID: "wrk_only", Name: "Only"}},
	}

	if _, err := e.Pull(ctx, ""); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	active, _ := e.ActiveWorkspace(ctx)
	if active == "" || active == "wrk_only" {
		t.Fatalf("recovery must create and activate a fresh workspace, active=%s", active)
	}
	doc, err := env.db.Get(ctx, document.TypeWorkspace, active)
	if err != nil {
		t.Fatalf("default workspace missing: %v", err)
	}
	if doc.Name != "New Project" {
		t.Errorf("unexpected default workspace name: %s", doc.Name)
	}
}

func TestPullNewlySharedWorkspace(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	shared := &document.Document{ID: "wrk_shared", Type: document.TypeWorkspace, Name: "Team", Modified: 40}
	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		UpsertWorkspaces: []api.WorkspaceDelta{{
			ID: "wrk_shared", Name: "Team", Role: meta.RoleEditor, USN: 2,
			EncContent: encodeDoc(t, shared),
		}},
	}

	res, err := e.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Aborted {
		t.Error("a new shared workspace must not abort the pull")
	}

	doc, err := env.db.GetByID(ctx, "wrk_shared")
	if err != nil {
		t.Fatalf("shared workspace missing: %v", err)
	}
	if doc.Name != "Team" {
		t.Errorf("unexpected name: %s", doc.Name)
	}
	wm, _ := env.meta.GetWorkspace(ctx, "wrk_shared")
	if wm == nil || wm.Role != meta.RoleEditor || wm.UID != "u_1" {
		t.Errorf("membership not recorded: %+v", wm)
	}
	found := false
	for _, n := range res.Notices {
		if n == `workspace "Team" is now available` {
			found = true
		}
	}
	if !found {
		t.Errorf("expected availability notice, got %v", res.Notices)
	}
}

func TestPullRefreshesSession(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanTrial)
	addWorkspace(t, e, env, "wrk_1", "Main")

	env.remote.delta = &api.PullDelta{
		PullAt: 1000,
		User:   &api.Account{UID: "u_1", Nickname: "tester", Plan: session.PlanPlus, Expire: 99999},
	}
	if _, err := e.Pull(ctx, ""); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	sess, err := env.sessions.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess.Plan != session.PlanPlus || sess.Expire != 99999 {
		t.Errorf("session not refreshed from pull: %+v", sess)
	}
	if sess.Token != "tok_test" {
		t.Error("refresh must not touch the token")
	}
}

func TestObserverTracksLocalWorkspaceEdits(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, "free") // free plan: auto-push no-ops, tracking still happens

	e.Start()
	defer e.Stop()

	doc := &document.Document{ID: "wrk_1", Type: document.TypeWorkspace, Name: "Main"}
	if err := env.db.Insert(ctx, doc, false); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	waitFor(t, func() bool {
		r, err := env.resources.GetByDocID(ctx, "wrk_1")
		return err == nil && r != nil && r.Dirty
	}, "workspace edit was not tracked")
}

func TestObserverIgnoresSyncEcho(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, "free")

	e.Start()
	defer e.Stop()

	doc := &document.Document{ID: "wrk_sync", Type: document.TypeWorkspace, Name: "Pulled"}
	if err := env.db.Insert(ctx, doc, true); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	r, err := env.resources.GetByDocID(ctx, "wrk_sync")
	if err != nil {
		t.Fatalf("GetByDocID failed: %v", err)
	}
	if r != nil {
		t.Error("fromSync changes must never be re-tracked")
	}
}

func TestObserverRequestUnsaveLifecycle(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, "free")
	addWorkspace(t, e, env, "wrk_1", "Main")

	e.Start()
	defer e.Stop()

	doc := addRequest(t, env, "req_1", "wrk_1", "https://x/a", 0)
	waitFor(t, func() bool {
		r, err := env.resources.GetByDocID(ctx, "req_1")
		return err == nil && r != nil
	}, "request insert was not tracked")

	// Content edit flips unsave on.
	doc.Extra["url"] = json.RawMessage(`"https://x/b"`)
	if err := env.db.Update(ctx, doc, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	waitFor(t, func() bool {
		rm, err := env.meta.GetRequest(ctx, "req_1")
		return err == nil && rm != nil && rm.Unsave
	}, "content edit did not set unsave")

	// Reverting flips it back off.
	doc.Extra["url"] = json.RawMessage(`"https://x/a"`)
	if err := env.db.Update(ctx, doc, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	waitFor(t, func() bool {
		rm, err := env.meta.GetRequest(ctx, "req_1")
		return err == nil && rm != nil && !rm.Unsave
	}, "reverting the edit did not clear unsave")
}

func TestObserverAutoPushesNewRequest(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	e.Start()
	defer e.Stop()

	addRequest(t, env, "req_new", "wrk_1", "https://x/new", 0)

	waitFor(t, func() bool {
		for _, c := range env.remote.calls() {
			if c == "PUT req_new" {
				return true
			}
		}
		return false
	}, "new request was not pushed")
	waitFor(t, func() bool {
		r, err := env.resources.GetByDocID(ctx, "req_new")
		return err == nil && r != nil && !r.Dirty && r.USN > 0
	}, "pushed request did not converge clean")
}

func TestSaveRequestUploadsDraft(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	// Request already known to the server: clean resource at usn 4.
	doc := addRequest(t, env, "req_1", "wrk_1", "https://x/old", 100)
	if err := e.SaveResource(ctx, resource.EventInsert, doc, 4, false); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}

	// Draft edit, then an explicit save.
	doc.Extra["url"] = json.RawMessage(`"https://x/new"`)
	if err := env.db.Update(ctx, doc, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	env.remote.results["req_1"] = &api.WriteResult{USN: 5}
	if err := e.SaveRequest(ctx, "req_1"); err != nil {
		t.Fatalf("SaveRequest failed: %v", err)
	}

	calls := env.remote.calls()
	if len(calls) != 1 || calls[0] != "PUT req_1" {
		t.Fatalf("save must upload the draft, got calls %v", calls)
	}

	r, err := env.resources.GetByDocID(ctx, "req_1")
	if err != nil {
		t.Fatalf("GetByDocID failed: %v", err)
	}
	if r.Dirty {
		t.Error("saved and pushed resource must not stay dirty")
	}
	if r.USN != 5 {
		t.Errorf("usn must advance to the server value, got %d", r.USN)
	}
	uploaded, err := document.Decode(r.EncContent)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(uploaded.Extra["url"]) != `"https://x/new"` {
		t.Errorf("save must upload the edited content: %s", uploaded.Extra["url"])
	}

	// The draft is now the saved state and the flags settled.
	got, err := env.db.GetByID(ctx, "req_1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	changed, err := env.backups.HasChanged(ctx, got)
	if err != nil {
		t.Fatalf("HasChanged failed: %v", err)
	}
	if changed {
		t.Error("save must promote the draft to the backup")
	}
	rm, err := env.meta.GetRequest(ctx, "req_1")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if rm == nil || rm.Unsave || rm.Unpush {
		t.Errorf("flags must settle after save and push: %+v", rm)
	}
}

func TestCollectGarbage(t *testing.T) {
	e, env := newTestEngine(t)
	ctx := context.Background()
	addWorkspace(t, e, env, "wrk_live", "Live")

	live := &resource.Resource{DocID: "req_live", WorkspaceID: "wrk_live", Type: document.TypeRequest}
	orphan := &resource.Resource{DocID: "req_orphan", WorkspaceID: "wrk_gone", Type: document.TypeRequest}
	for _, r := range []*resource.Resource{live, orphan} {
		if err := env.resources.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	n, err := e.CollectGarbage(ctx)
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan collected, got %d", n)
	}
	if r, _ := env.resources.GetByDocID(ctx, "req_live"); r == nil {
		t.Error("live resource must survive gc")
	}
	if r, _ := env.resources.GetByDocID(ctx, "req_orphan"); r != nil {
		t.Error("orphan resource must be collected")
	}
}

func TestSchedulerCycle(t *testing.T) {
	e, env := newTestEngine(t)
	loginTest(t, env, session.PlanPlus)
	addWorkspace(t, e, env, "wrk_1", "Main")

	s := NewScheduler(e, time.Minute, nil)
	s.cycle(context.Background())

	if env.remote.pullCalls != 1 {
		t.Errorf("cycle must pull once, got %d", env.remote.pullCalls)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSyncing {
		t.Error("cycle must clear isSyncing")
	}
	if !s.nextAllowed.After(time.Now()) {
		t.Error("cycle must push nextAllowed into the future")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
