package commitdag

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lychee-technology/parquedb"
)

const (
	defaultBranch = "main"
	headRefName   = "HEAD"
	maxRefHops    = 64 // guards against a corrupted ref cycle, never expected in practice
)

// refRecord is the persisted shape of a ref: either a direct commit pointer
// (CommitID set) or a symbolic pointer at another ref (Symbolic set), mirroring
// git's loose-ref and symbolic-ref distinction so HEAD can follow a branch
// without the branch name getting baked into every commit.
type refRecord struct {
	CommitID string `json:"commit_id,omitempty"`
	Symbolic string `json:"symbolic,omitempty"`
}

func refPath(collection, name string) string {
	return "refs/" + collection + "/" + name
}

func (s *Store) getRef(ctx context.Context, collection, name string) (refRecord, bool, error) {
	data, err := s.backend.Read(ctx, refPath(collection, name))
	if err != nil {
		if parquedb.IsType(err, parquedb.ErrorTypeNotFound) {
			return refRecord{}, false, nil
		}
		return refRecord{}, false, err
	}
	var r refRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return refRecord{}, false, parquedb.NewInvariantError("unmarshal ref " + name + ": " + err.Error())
	}
	return r, true, nil
}

func (s *Store) putRef(ctx context.Context, collection, name string, r refRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return parquedb.NewInvariantError("marshal ref: " + err.Error())
	}
	return s.backend.Write(ctx, refPath(collection, name), data)
}

// resolveRef follows symbolic refs to their final commit ID, detecting
// cycles and tolerating an unborn branch (a ref that exists symbolically but
// has no commit yet, e.g. a brand-new collection's HEAD before its first
// commit) by returning an empty commit ID rather than an error.
func (s *Store) resolveRef(ctx context.Context, collection, name string) (string, error) {
	seen := make(map[string]bool)
	for hops := 0; hops < maxRefHops; hops++ {
		if seen[name] {
			return "", parquedb.NewInvariantError("ref cycle detected resolving " + name)
		}
		seen[name] = true

		r, ok, err := s.getRef(ctx, collection, name)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil // unborn: ref never written, e.g. fresh collection
		}
		if r.Symbolic != "" {
			name = strings.TrimPrefix(r.Symbolic, "refs/heads/")
			continue
		}
		return r.CommitID, nil
	}
	return "", parquedb.NewInvariantError("ref resolution exceeded max hops for " + name)
}

// resolveHead resolves HEAD to a commit ID, or "" if the collection has no
// commits yet.
func (s *Store) resolveHead(ctx context.Context, collection string) (string, error) {
	r, ok, err := s.getRef(ctx, collection, headRefName)
	if err != nil {
		return "", err
	}
	if !ok {
		// HEAD has never been set: treat it as pointing at the default
		// branch, same as a freshly initialized repository.
		return s.resolveRef(ctx, collection, defaultBranch)
	}
	if r.Symbolic != "" {
		return s.resolveRef(ctx, collection, strings.TrimPrefix(r.Symbolic, "refs/heads/"))
	}
	return r.CommitID, nil
}

// currentBranch returns the branch name HEAD points at, defaulting to
// defaultBranch when HEAD has never been written (a brand-new collection).
func (s *Store) currentBranch(ctx context.Context, collection string) (string, error) {
	r, ok, err := s.getRef(ctx, collection, headRefName)
	if err != nil {
		return "", err
	}
	if !ok || r.Symbolic == "" {
		return defaultBranch, nil
	}
	return strings.TrimPrefix(r.Symbolic, "refs/heads/"), nil
}

// setBranch advances branch to commitID, creating it (and HEAD, if unset)
// on first use. This is the "unborn branch" path: a branch ref doesn't need
// to pre-exist before its first commit.
func (s *Store) setBranch(ctx context.Context, collection, branch, commitID string) error {
	if err := s.putRef(ctx, collection, branch, refRecord{CommitID: commitID}); err != nil {
		return err
	}
	head, ok, err := s.getRef(ctx, collection, headRefName)
	if err != nil {
		return err
	}
	if !ok || head.Symbolic == "" {
		return s.putRef(ctx, collection, headRefName, refRecord{Symbolic: "refs/heads/" + branch})
	}
	return nil
}

// CreateBranch points a new branch name at an existing commit (or at the
// current HEAD if at is empty).
func (s *Store) CreateBranch(ctx context.Context, collection, name, at string) error {
	if at == "" {
		head, err := s.resolveHead(ctx, collection)
		if err != nil {
			return err
		}
		at = head
	}
	return s.putRef(ctx, collection, name, refRecord{CommitID: at})
}

// Checkout repoints HEAD at branch without moving the branch itself.
func (s *Store) Checkout(ctx context.Context, collection, branch string) error {
	if _, ok, err := s.getRef(ctx, collection, branch); err != nil {
		return err
	} else if !ok {
		return parquedb.NewError(parquedb.ErrorTypeNotFound, "branch_not_found", "branch not found: "+branch).WithEntity(collection, branch)
	}
	return s.putRef(ctx, collection, headRefName, refRecord{Symbolic: "refs/heads/" + branch})
}

// Head returns the commit ID HEAD resolves to, or "" for a collection with
// no commits yet.
func (s *Store) Head(ctx context.Context, collection string) (string, error) {
	return s.resolveHead(ctx, collection)
}

// Branch returns the commit ID a named branch points at, or "" if the
// branch is unborn (created via CreateBranch but never committed to, or
// never created at all).
func (s *Store) Branch(ctx context.Context, collection, name string) (string, error) {
	return s.resolveRef(ctx, collection, name)
}
