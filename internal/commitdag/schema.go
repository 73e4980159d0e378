package commitdag

import (
	"context"
	"sort"

	"github.com/goccy/go-json"

	"github.com/lychee-technology/parquedb"
)

// schemaSnapshot is the wire shape of a captured schema, flattening
// parquedb.Schema's unexported compiled validator out of the persisted form.
type schemaSnapshot struct {
	Collection string                         `json:"collection"`
	Version    int                            `json:"version"`
	Fields     map[string]*parquedb.FieldSchema `json:"fields"`
}

func schemaPath(collection, hash string) string {
	return "schemas/" + collection + "/" + hash + ".json"
}

// putSchemaSnapshot hashes and persists schema's shape, returning the hash
// so the caller's commit can reference it. Snapshots are content-addressed
// like commits: two commits carrying an identical schema share one blob.
func (s *Store) putSchemaSnapshot(ctx context.Context, collection string, schema *parquedb.Schema) (string, error) {
	snap := schemaSnapshot{Collection: collection, Version: schema.Version, Fields: schema.Fields}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", parquedb.NewInvariantError("marshal schema snapshot: " + err.Error())
	}
	hash := hashHex(data)
	path := schemaPath(collection, hash)
	if exists, err := s.backend.Exists(ctx, path); err != nil {
		return "", err
	} else if exists {
		return hash, nil // already captured, content-addressed dedupe
	}
	if err := s.backend.Write(ctx, path, data); err != nil {
		return "", err
	}
	return hash, nil
}

// GetSchemaSnapshot loads the schema captured under hash.
func (s *Store) GetSchemaSnapshot(ctx context.Context, collection, hash string) (*parquedb.Schema, error) {
	data, err := s.backend.Read(ctx, schemaPath(collection, hash))
	if err != nil {
		if parquedb.IsType(err, parquedb.ErrorTypeNotFound) {
			return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "schema_not_found", "schema snapshot not found: "+hash).WithEntity(collection, hash)
		}
		return nil, err
	}
	var snap schemaSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, parquedb.NewInvariantError("unmarshal schema snapshot: " + err.Error())
	}
	return &parquedb.Schema{Collection: snap.Collection, Version: snap.Version, Fields: snap.Fields}, nil
}

// SchemaAt resolves the schema in effect at commitID by walking parent
// pointers until a commit carrying a schema hash is found (a commit that
// didn't change the schema doesn't re-snapshot it).
func (s *Store) SchemaAt(ctx context.Context, collection, commitID string) (*parquedb.Schema, error) {
	for commitID != "" {
		c, err := s.GetCommit(ctx, collection, commitID)
		if err != nil {
			return nil, err
		}
		if c.SchemaHash != "" {
			return s.GetSchemaSnapshot(ctx, collection, c.SchemaHash)
		}
		commitID = c.ParentID
	}
	return nil, nil
}

// DiffBranches compares the schema at two commits, using SchemaDiff's
// existing breaking/non-breaking classification (§4.9 "schema diffing").
// Either side may resolve to no schema (a collection predating any captured
// snapshot), in which case the comparison reports no breaking change.
func (s *Store) DiffBranches(ctx context.Context, collection, fromCommit, toCommit string) (parquedb.SchemaDiff, error) {
	oldSchema, err := s.SchemaAt(ctx, collection, fromCommit)
	if err != nil {
		return parquedb.SchemaDiff{}, err
	}
	newSchema, err := s.SchemaAt(ctx, collection, toCommit)
	if err != nil {
		return parquedb.SchemaDiff{}, err
	}
	if oldSchema == nil || newSchema == nil {
		return parquedb.SchemaDiff{}, nil
	}
	return parquedb.DiffSchema(oldSchema, newSchema), nil
}

// sortedFieldNames is a small helper used by tests to assert on a schema's
// field names without depending on map iteration order.
func sortedFieldNames(fields map[string]*parquedb.FieldSchema) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
