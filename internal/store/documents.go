package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apiplus/workbench/internal/document"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// nowMillis is swappable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

const documentColumns = `id, type, parent_id, name, created, modified, showid, meta_sort_key, temp, payload`

// Insert stores a new document and publishes an insert change. Missing id
// and timestamps are filled in. fromSync marks pull-engine writes.
func (db *DB) Insert(ctx context.Context, doc *document.Document, fromSync bool) error {
	if doc.Type == "" {
		return fmt.Errorf("document missing type")
	}
	if doc.ID == "" {
		doc.ID = document.NewID(document.PrefixFor(doc.Type))
	}
	now := nowMillis()
	if doc.Created == 0 {
		doc.Created = now
	}
	if doc.Modified == 0 {
		doc.Modified = now
	}

	payload, err := marshalPayload(doc)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO documents (` + documentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.conn.ExecContext(ctx, query,
		doc.ID, doc.Type, nullable(doc.ParentID), doc.Name,
		doc.Created, doc.Modified, doc.ShowID, doc.MetaSortKey,
		boolToInt(doc.Temp), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.ID, err)
	}

	db.stream.notify(Change{Event: EventInsert, Doc: doc.Clone(), FromSync: fromSync})
	return nil
}

// Update rewrites an existing document and publishes an update change.
// Local updates bump the modified timestamp; fromSync updates replay
// server state verbatim and must not manufacture local dirt.
func (db *DB) Update(ctx context.Context, doc *document.Document, fromSync bool) error {
	if !fromSync {
		doc.Modified = nowMillis()
	}
	if err := db.writeDocument(ctx, doc); err != nil {
		return err
	}
	db.stream.notify(Change{Event: EventUpdate, Doc: doc.Clone(), FromSync: fromSync})
	return nil
}

// UpdateSilent rewrites a document without touching the modified timestamp
// and without publishing a change. Backup restore uses this so restoring
// never re-triggers the sync hook.
func (db *DB) UpdateSilent(ctx context.Context, doc *document.Document) error {
	return db.writeDocument(ctx, doc)
}

// Upsert inserts or updates depending on whether the document exists.
func (db *DB) Upsert(ctx context.Context, doc *document.Document, fromSync bool) error {
	if doc.ID == "" {
		return db.Insert(ctx, doc, fromSync)
	}
	_, err := db.Get(ctx, doc.Type, doc.ID)
	if errors.Is(err, ErrNotFound) {
		return db.Insert(ctx, doc, fromSync)
	}
	if err != nil {
		return err
	}
	return db.Update(ctx, doc, fromSync)
}

// Remove deletes a document and all its descendants, publishing a remove
// change for each. Returns nil if the document is already gone.
func (db *DB) Remove(ctx context.Context, doc *document.Document, fromSync bool) error {
	removed, err := db.collectSubtree(ctx, doc)
	if err != nil {
		return err
	}
	for _, d := range removed {
		if _, err := db.conn.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, d.ID); err != nil {
			return fmt.Errorf("failed to remove document %s: %w", d.ID, err)
		}
	}
	// Children first, so observers never see an orphaned subtree.
	for i := len(removed) - 1; i >= 0; i-- {
		db.stream.notify(Change{Event: EventRemove, Doc: removed[i], FromSync: fromSync})
	}
	return nil
}

// collectSubtree returns doc plus all transitive children, parents before
// children.
func (db *DB) collectSubtree(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
	root, err := db.GetByID(ctx, doc.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := []*document.Document{root}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		children, err := db.findWhere(ctx, `parent_id = ?`, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			frontier = append(frontier, c.ID)
		}
	}
	return out, nil
}

// Get retrieves a document by type and id.
func (db *DB) Get(ctx context.Context, docType, id string) (*document.Document, error) {
	docs, err := db.findWhere(ctx, `type = ? AND id = ?`, docType, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// GetByID retrieves a document by id alone.
func (db *DB) GetByID(ctx context.Context, id string) (*document.Document, error) {
	docs, err := db.findWhere(ctx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// GetByTypeAndName returns the first document of the given type with an
// exact name match, or ErrNotFound.
func (db *DB) GetByTypeAndName(ctx context.Context, docType, name string) (*document.Document, error) {
	docs, err := db.findWhere(ctx, `type = ? AND name = ?`, docType, name)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// All returns every document of the given type.
func (db *DB) All(ctx context.Context, docType string) ([]*document.Document, error) {
	return db.findWhere(ctx, `type = ?`, docType)
}

// FindByParent returns the documents of a type under a parent.
func (db *DB) FindByParent(ctx context.Context, docType, parentID string) ([]*document.Document, error) {
	return db.findWhere(ctx, `type = ? AND parent_id = ?`, docType, parentID)
}

// WorkspaceForDoc walks ancestors until it reaches the owning workspace.
// Returns ErrNotFound when the document is not rooted in a workspace.
func (db *DB) WorkspaceForDoc(ctx context.Context, doc *document.Document) (*document.Document, error) {
	current := doc
	for depth := 0; depth < 32; depth++ {
		if current.Type == document.TypeWorkspace {
			return current, nil
		}
		if current.ParentID == "" {
			return nil, ErrNotFound
		}
		parent, err := db.GetByID(ctx, current.ParentID)
		if err != nil {
			return nil, err
		}
		current = parent
	}
	return nil, fmt.Errorf("document %s: ancestor chain too deep", doc.ID)
}

func (db *DB) writeDocument(ctx context.Context, doc *document.Document) error {
	payload, err := marshalPayload(doc)
	if err != nil {
		return err
	}
	query := `
	UPDATE documents SET
		type = ?, parent_id = ?, name = ?, created = ?, modified = ?,
		showid = ?, meta_sort_key = ?, temp = ?, payload = ?
	WHERE id = ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		doc.Type, nullable(doc.ParentID), doc.Name, doc.Created, doc.Modified,
		doc.ShowID, doc.MetaSortKey, boolToInt(doc.Temp), payload, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	return nil
}

func (db *DB) findWhere(ctx context.Context, where string, args ...any) ([]*document.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + where + ` ORDER BY created ASC`
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func scanDocument(rows *sql.Rows) (*document.Document, error) {
	var doc document.Document
	var parentID sql.NullString
	var temp int
	var payload string

	err := rows.Scan(
		&doc.ID, &doc.Type, &parentID, &doc.Name,
		&doc.Created, &doc.Modified, &doc.ShowID, &doc.MetaSortKey,
		&temp, &payload,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	doc.ParentID = parentID.String
	doc.Temp = temp != 0
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &doc.Extra); err != nil {
			return nil, fmt.Errorf("failed to parse payload for %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}

func marshalPayload(doc *document.Document) (string, error) {
	if len(doc.Extra) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(doc.Extra)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for %s: %w", doc.ID, err)
	}
	return string(raw), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
