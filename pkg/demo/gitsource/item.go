// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package gitsource is the reference WorkItem: a git repository tracked
// at a ref, fetched into a local workspace, checksummed by a stand-in
// build step, and optionally pushed onward as a release asset. It
// exists to exercise every hook the queue/jobs/worker machinery offers
// — grounded loosely on trackqueue.py/fetchqueue.py's SKIP/READY and
// changed/keep_in_pipeline semantics, expressed with
// github.com/go-git/go-git/v5 standing in for BuildStream's CAS-backed
// source plugins.
package gitsource

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/uuid"

	"github.com/gardener/buildsched/pkg/demo/ghpush"
	"github.com/gardener/buildsched/pkg/envelope"
	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/runctx"
	"github.com/gardener/buildsched/pkg/worker"
)

// Kind is this WorkItem's registry key (item.RegisterKind).
const Kind = "git-source"

// Action names this item understands in Perform.
const (
	ActionTrack = "Track"
	ActionFetch = "Fetch"
	ActionBuild = "Build"
	ActionPush  = "Push"
)

// state is the entire wire representation of an Item: what crosses the
// pipe to a re-exec'd Worker as a snapshot, and what comes back as a
// workspace update. PushToken riding along in plaintext is acceptable
// for a demo source, not for a production credential path.
type state struct {
	Name string `json:"name"`
	// WorkspaceID disambiguates this item's fetch directory from any
	// other item sharing the same Name across concurrent runs that
	// share a BaseDir.
	WorkspaceID string `json:"workspace_id"`
	URL         string `json:"url"`
	Ref         string `json:"ref"`
	BaseDir     string `json:"base_dir,omitempty"`
	SHA         string `json:"sha,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
	Fetched     bool   `json:"fetched"`
	Built       bool   `json:"built"`
	Checksum    string `json:"checksum,omitempty"`
	Pushed      string `json:"pushed,omitempty"`

	PushOwner string `json:"push_owner,omitempty"`
	PushRepo  string `json:"push_repo,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}

// Item tracks one repository through Track, Fetch, Build, and (if a
// push remote is configured) Push.
type Item struct {
	st      state
	changed bool
}

// New constructs an Item at its initial, unresolved state.
func New(name, url, ref, baseDir string) *Item {
	return &Item{st: state{
		Name:        name,
		WorkspaceID: uuid.New().String(),
		URL:         url,
		Ref:         ref,
		BaseDir:     baseDir,
	}}
}

// WithPushRemote configures the optional Push action's destination.
func (it *Item) WithPushRemote(owner, repo, token string) *Item {
	it.st.PushOwner = owner
	it.st.PushRepo = repo
	it.st.PushToken = token
	return it
}

func init() {
	item.RegisterKind(Kind, decode)
}

func decode(raw json.RawMessage) (item.WorkItem, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("gitsource: decode snapshot: %w", err)
	}
	return &Item{st: st}, nil
}

// ID implements item.WorkItem.
func (it *Item) ID() string { return it.st.Name }

// Kind implements item.WorkItem.
func (it *Item) Kind() string { return Kind }

// Consistency implements item.WorkItem: Inconsistent until Track
// resolves a SHA, Resolved until Fetch materializes a workspace,
// Cached once fetched.
func (it *Item) Consistency() item.Consistency {
	switch {
	case it.st.SHA == "":
		return item.Inconsistent
	case !it.st.Fetched:
		return item.Resolved
	default:
		return item.Cached
	}
}

// Changed reports whether the most recent Track moved the resolved SHA.
// Behavior.Done type-asserts this to decide keep_in_pipeline for the
// Track stage — a no-op track should not re-trigger downstream work.
func (it *Item) Changed() bool { return it.changed }

// Pushed reports the asset name the Push action last uploaded, if any.
func (it *Item) Pushed() string { return it.st.Pushed }

// Perform implements item.WorkItem.
func (it *Item) Perform(ctx context.Context, action string, rc *runctx.Context) (interface{}, error) {
	switch action {
	case ActionTrack:
		return it.track(ctx, rc)
	case ActionFetch:
		return it.fetch(ctx, rc)
	case ActionBuild:
		return it.build(ctx, rc)
	case ActionPush:
		return it.push(ctx, rc)
	default:
		return nil, worker.NewDomainError("gitsource", fmt.Sprintf("unknown action %q", action))
	}
}

type trackResult struct {
	SHA string `json:"sha"`
}

func (it *Item) track(ctx context.Context, rc *runctx.Context) (interface{}, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{it.st.URL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return nil, worker.NewDomainError("git", fmt.Sprintf("list remote refs for %s: %v", it.st.URL, err))
	}

	want := plumbing.NewBranchReferenceName(it.st.Ref)
	var sha string
	for _, r := range refs {
		if r.Name() == want || r.Name().Short() == it.st.Ref || r.Hash().String() == it.st.Ref {
			sha = r.Hash().String()
			break
		}
	}
	if sha == "" {
		return nil, worker.NewDomainError("git", fmt.Sprintf("ref %q not found in %s", it.st.Ref, it.st.URL))
	}

	rc.Emit(envelope.StatusMessage{
		Severity:   envelope.SeverityLog,
		ActionName: ActionTrack,
		ItemID:     it.st.Name,
		Text:       fmt.Sprintf("resolved %s to %s", it.st.Ref, sha),
	})
	return trackResult{SHA: sha}, nil
}

type fetchResult struct {
	WorkDir string `json:"work_dir"`
}

func (it *Item) fetch(ctx context.Context, rc *runctx.Context) (interface{}, error) {
	if it.st.SHA == "" {
		return nil, worker.NewDomainError("gitsource", "fetch attempted before track resolved a commit")
	}

	base := it.st.BaseDir
	if base == "" {
		base = filepath.Join(os.TempDir(), "buildsched")
	}
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", it.st.Name, it.st.WorkspaceID))
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("gitsource: mkdir %s: %w", base, err)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           it.st.URL,
		ReferenceName: plumbing.NewBranchReferenceName(it.st.Ref),
		SingleBranch:  true,
		Depth:         1,
	})
	if err == git.ErrRepositoryAlreadyExists {
		repo, err = git.PlainOpen(dir)
	}
	if err != nil {
		return nil, worker.NewDomainError("git", fmt.Sprintf("clone %s: %v", it.st.URL, err))
	}

	if head, herr := repo.Head(); herr == nil {
		rc.Emit(envelope.StatusMessage{
			Severity:   envelope.SeverityLog,
			ActionName: ActionFetch,
			ItemID:     it.st.Name,
			Text:       fmt.Sprintf("checked out %s", head.Hash()),
		})
	}
	return fetchResult{WorkDir: dir}, nil
}

type buildResult struct {
	Checksum string `json:"checksum"`
}

// build stands in for a real compile step: it walks the fetched
// workspace in a stable order and hashes its contents, giving Push
// something deterministic to key an asset name on without re-reading
// the tree at push time.
func (it *Item) build(_ context.Context, rc *runctx.Context) (interface{}, error) {
	if !it.st.Fetched || it.st.WorkDir == "" {
		return nil, worker.NewDomainError("gitsource", "build attempted before fetch produced a workspace")
	}

	sum, err := checksumWorkDir(it.st.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("gitsource: checksum %s: %w", it.st.WorkDir, err)
	}

	rc.Emit(envelope.StatusMessage{
		Severity:   envelope.SeverityLog,
		ActionName: ActionBuild,
		ItemID:     it.st.Name,
		Text:       fmt.Sprintf("built workspace, checksum %s", sum),
	})
	return buildResult{Checksum: sum}, nil
}

func checksumWorkDir(dir string) (string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		fmt.Fprintln(h, rel)
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type pushResult struct {
	Asset string `json:"asset"`
}

func (it *Item) push(ctx context.Context, rc *runctx.Context) (interface{}, error) {
	if it.st.WorkDir == "" {
		return nil, worker.NewDomainError("gitsource", "push attempted before fetch produced a workspace")
	}
	if !it.st.Built {
		return nil, worker.NewDomainError("gitsource", "push attempted before build produced a checksum")
	}
	if it.st.PushRepo == "" {
		return nil, worker.NewDomainError("gitsource", "no push remote configured for this item")
	}

	archive, err := tarWorkDir(it.st.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("gitsource: archive %s: %w", it.st.WorkDir, err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	remote := ghpush.New(ctx, it.st.PushToken, it.st.PushOwner, it.st.PushRepo)
	assetName := fmt.Sprintf("%s-%s.tar.gz", it.st.Name, it.st.Checksum[:12])
	if err := remote.PushAsset(ctx, it.st.SHA, assetName, archive); err != nil {
		return nil, worker.NewDomainError("github", err.Error())
	}

	rc.Emit(envelope.StatusMessage{
		Severity:   envelope.SeverityLog,
		ActionName: ActionPush,
		ItemID:     it.st.Name,
		Text:       fmt.Sprintf("pushed %s", assetName),
	})
	return pushResult{Asset: assetName}, nil
}

// tarWorkDir packages dir into a gzipped tar written to a fresh temp
// file, rewound to its start so the caller can read it back (or, as
// ghpush.PushAsset requires, stat and upload it directly as an
// *os.File). The caller owns closing and removing it.
func tarWorkDir(dir string) (*os.File, error) {
	archive, err := os.CreateTemp("", "buildsched-*.tar.gz")
	if err != nil {
		return nil, err
	}

	gz := gzip.NewWriter(archive)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		archive.Close()
		os.Remove(archive.Name())
		return nil, err
	}
	if err := tw.Close(); err != nil {
		archive.Close()
		os.Remove(archive.Name())
		return nil, err
	}
	if err := gz.Close(); err != nil {
		archive.Close()
		os.Remove(archive.Name())
		return nil, err
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		archive.Close()
		os.Remove(archive.Name())
		return nil, err
	}
	return archive, nil
}

// ApplyResult implements item.WorkItem.
func (it *Item) ApplyResult(action string, result json.RawMessage) error {
	switch action {
	case ActionTrack:
		var r trackResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("gitsource: decode track result: %w", err)
		}
		it.changed = r.SHA != it.st.SHA
		it.st.SHA = r.SHA
	case ActionFetch:
		var r fetchResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("gitsource: decode fetch result: %w", err)
		}
		it.st.WorkDir = r.WorkDir
		it.st.Fetched = true
	case ActionBuild:
		var r buildResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("gitsource: decode build result: %w", err)
		}
		it.st.Checksum = r.Checksum
		it.st.Built = true
	case ActionPush:
		var r pushResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("gitsource: decode push result: %w", err)
		}
		it.st.Pushed = r.Asset
	}
	return nil
}

// ApplyWorkspace implements item.WorkItem: a Worker's workspace
// envelope is this item's entire state re-marshaled post-attempt, so
// applying it is a wholesale replace.
func (it *Item) ApplyWorkspace(workspace json.RawMessage) error {
	if len(workspace) == 0 {
		return nil
	}
	var st state
	if err := json.Unmarshal(workspace, &st); err != nil {
		return fmt.Errorf("gitsource: decode workspace: %w", err)
	}
	it.st = st
	return nil
}

// Snapshot implements item.WorkItem.
func (it *Item) Snapshot() (json.RawMessage, error) {
	return json.Marshal(it.st)
}
