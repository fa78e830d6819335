package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
)

const defaultAccessTTL = time.Minute

// AccessReviewer reports the clusters whose namespaces the caller may list.
// Each cluster is checked with a SelfSubjectAccessReview and the answer is
// cached for the configured TTL.
type AccessReviewer struct {
	clients []*Client
	static  sets.Set[string]
	cache   *gocache.Cache
	logger  *slog.Logger
}

// AccessOptions tunes an AccessReviewer. StaticClusters are always accessible.
type AccessOptions struct {
	TTL            time.Duration
	StaticClusters []string
	Logger         *slog.Logger
}

func NewAccessReviewer(clients []*Client, opts AccessOptions) *AccessReviewer {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessReviewer{
		clients: clients,
		static:  sets.New(opts.StaticClusters...),
		cache:   gocache.New(ttl, 2*ttl),
		logger:  logger,
	}
}

// AccessibleClusters returns the accessible cluster names. Any failed review
// fails the whole lookup so callers never grey out a cluster on a transient
// error.
func (r *AccessReviewer) AccessibleClusters(ctx context.Context) (sets.Set[string], error) {
	out := r.static.Clone()
	var errs []error
	for _, client := range r.clients {
		allowed, err := r.allowed(ctx, client)
		if err != nil {
			errs = append(errs, fmt.Errorf("cluster %s: %w", client.ClusterName, err))
			continue
		}
		if allowed {
			out.Insert(client.ClusterName)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (r *AccessReviewer) allowed(ctx context.Context, client *Client) (bool, error) {
	if cached, ok := r.cache.Get(client.ClusterName); ok {
		return cached.(bool), nil
	}
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Verb:     "list",
				Resource: "namespaces",
			},
		},
	}
	resp, err := client.Kubernetes.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("access review: %w", err)
	}
	allowed := resp.Status.Allowed
	r.cache.Set(client.ClusterName, allowed, gocache.DefaultExpiration)
	if !allowed {
		r.logger.Info("cluster not accessible",
			slog.String("cluster", client.ClusterName),
			slog.String("reason", resp.Status.Reason),
		)
	}
	return allowed, nil
}
