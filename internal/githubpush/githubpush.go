// Package githubpush implements spec §4.7's pushToGitHub: it exports the
// project's git objects from GitStore and assembles a fresh commit graph
// on the remote repository via go-github's git-data API (blobs, trees,
// commits, refs) rather than shelling out to the git binary — grounded on
// the teacher's internal/attractor/gitutil for the conceptual shape
// (stage everything, commit once, push) adapted to go-github's low-level
// object API since this package never has a local git working directory
// of its own.
package githubpush

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/forgepilot/orchestrator/internal/gitstore"
	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// Credentials are supplied per call, never persisted — spec §6: "Token is
// cached in-memory with a TTL... never persisted."
type Credentials struct {
	Token    string
	Username string
	Email    string
}

// Options configures one push, spec §4.7/§6.
type Options struct {
	RepositoryOwner string
	RepositoryName  string
	IsPrivate       bool
	CommitMessage   string
}

// Result is pushToGitHub's success payload, spec §6.
type Result struct {
	CommitSHA     string
	RepositoryURL string
	// CorrelationID identifies this push across client, server, and
	// broadcast logs, spec §6.
	CorrelationID string
}

// Metadata accompanies the export, spec §6: "{appCreatedAt,
// templateDetails, query}".
type Metadata struct {
	AppCreatedAt time.Time
	Query        string
}

// TokenCache caches a bearer token in-memory with a TTL, spec §6.
type TokenCache struct {
	token   string
	expires time.Time
	ttl     time.Duration
}

// NewTokenCache constructs a cache with the given TTL (default 1h).
func NewTokenCache(ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenCache{ttl: ttl}
}

// Set stores token, resetting its expiry.
func (c *TokenCache) Set(token string) {
	c.token = token
	c.expires = time.Now().Add(c.ttl)
}

// Get returns the cached token, or "" if absent/expired.
func (c *TokenCache) Get() string {
	if c.token == "" || time.Now().After(c.expires) {
		return ""
	}
	return c.token
}

// Pusher pushes a GitStore's object graph to a GitHub repository.
type Pusher struct {
	newClient func(token string) *github.Client
}

// NewPusher constructs a Pusher using go-github's default HTTP transport,
// authenticating per-call with the supplied token.
func NewPusher() *Pusher {
	return &Pusher{newClient: func(token string) *github.Client {
		return github.NewClient(nil).WithAuthToken(token)
	}}
}

// NewOAuthPusher constructs a Pusher that authenticates via an OAuth2
// access token instead of a raw personal access token, for installations
// that front GitHub access with an OAuth app (spec §6's token-TTL model
// maps onto oauth2.Token's own Expiry).
func NewOAuthPusher(cfg *oauth2.Config) *Pusher {
	return &Pusher{newClient: func(token string) *github.Client {
		src := cfg.TokenSource(context.Background(), &oauth2.Token{AccessToken: token})
		httpClient := oauth2.NewClient(context.Background(), src)
		return github.NewClient(httpClient)
	}}
}

// Push exports git, store's HEAD objects, creates a fresh blob+tree+commit
// on the remote, pinning the commit's author date to meta.AppCreatedAt
// (spec §8 scenario 6), and advances the main branch ref.
func (p *Pusher) Push(ctx context.Context, store *gitstore.Store, creds Credentials, opts Options, meta Metadata) (*Result, error) {
	correlationID := uuid.New().String()

	objects, err := store.ExportObjects()
	if err != nil {
		return nil, err
	}

	client := p.newClient(creds.Token)

	repo, err := p.ensureRepository(ctx, client, creds, opts)
	if err != nil {
		return nil, err
	}

	var entries []*github.TreeEntry
	for _, obj := range objects {
		blob, _, err := client.Git.CreateBlob(ctx, opts.RepositoryOwner, opts.RepositoryName, &github.Blob{
			Content:  github.String(string(obj.Bytes)),
			Encoding: github.String("utf-8"),
		})
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Transient, "create blob "+obj.Path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(obj.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	tree, _, err := client.Git.CreateTree(ctx, opts.RepositoryOwner, opts.RepositoryName, "", entries)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Transient, "create tree", err)
	}

	author := &github.CommitAuthor{
		Name:  github.String(creds.Username),
		Email: github.String(creds.Email),
		Date:  &github.Timestamp{Time: meta.AppCreatedAt},
	}
	message := opts.CommitMessage
	if message == "" {
		message = "Export project: " + meta.Query
	}

	commit, _, err := client.Git.CreateCommit(ctx, opts.RepositoryOwner, opts.RepositoryName, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Author:  author,
		Committer: author,
	}, nil)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Transient, "create commit", err)
	}

	ref := "refs/heads/main"
	_, _, err = client.Git.GetRef(ctx, opts.RepositoryOwner, opts.RepositoryName, ref)
	if err != nil {
		_, _, err = client.Git.CreateRef(ctx, opts.RepositoryOwner, opts.RepositoryName, &github.Reference{
			Ref:    github.String(ref),
			Object: &github.GitObject{SHA: commit.SHA},
		})
	} else {
		_, _, err = client.Git.UpdateRef(ctx, opts.RepositoryOwner, opts.RepositoryName, &github.Reference{
			Ref:    github.String(ref),
			Object: &github.GitObject{SHA: commit.SHA},
		}, true)
	}
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Transient, "update ref", err)
	}

	return &Result{CommitSHA: commit.GetSHA(), RepositoryURL: repo.GetHTMLURL(), CorrelationID: correlationID}, nil
}

func (p *Pusher) ensureRepository(ctx context.Context, client *github.Client, creds Credentials, opts Options) (*github.Repository, error) {
	repo, _, err := client.Repositories.Get(ctx, opts.RepositoryOwner, opts.RepositoryName)
	if err == nil {
		return repo, nil
	}
	repo, _, err = client.Repositories.Create(ctx, "", &github.Repository{
		Name:    github.String(opts.RepositoryName),
		Private: github.Bool(opts.IsPrivate),
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Transient, fmt.Sprintf("create repository %s/%s", opts.RepositoryOwner, opts.RepositoryName), err)
	}
	return repo, nil
}
