package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/model"
)

// Nodes maps node names to the base URL of their API.
type Nodes struct {
	store *metadata.Storage[*model.NodeMetadata]
}

func NewNodes(store *metadata.Storage[*model.NodeMetadata]) *Nodes {
	return &Nodes{store: store}
}

// Register records where node name serves its API, replacing any earlier
// address.
func (n *Nodes) Register(ctx context.Context, name, baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("node %s: invalid url %q: %w", name, baseURL, backuperr.ErrInvalidArgument)
	}
	return n.store.Put(ctx, &model.NodeMetadata{Name: name, URL: strings.TrimRight(baseURL, "/")})
}

// Get returns a node entry. Returns ErrNotFound for unknown nodes.
func (n *Nodes) Get(ctx context.Context, name string) (*model.NodeMetadata, error) {
	return n.store.Get(ctx, name, name)
}

// Locate returns the URL of requestURI on node name.
func (n *Nodes) Locate(ctx context.Context, name, requestURI string) (string, error) {
	node, err := n.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return node.URL + requestURI, nil
}
