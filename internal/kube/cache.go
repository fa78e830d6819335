package kube

import (
	"context"
	"fmt"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	coreinformers "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// NamespaceCache keeps an informer-backed view of the cluster's namespaces
// and answers which of them should be graphed.
type NamespaceCache struct {
	factory  informers.SharedInformerFactory
	informer coreinformers.NamespaceInformer
	filter   *NamespaceFilter
	synced   []cache.InformerSynced
}

// NewNamespaceCache builds the namespace informer. A nil filter keeps every
// namespace.
func NewNamespaceCache(client kubernetes.Interface, resyncPeriod time.Duration, filter *NamespaceFilter) *NamespaceCache {
	factory := informers.NewSharedInformerFactory(client, resyncPeriod)
	informer := factory.Core().V1().Namespaces()
	return &NamespaceCache{
		factory:  factory,
		informer: informer,
		filter:   filter,
		synced:   []cache.InformerSynced{informer.Informer().HasSynced},
	}
}

// Start launches the informer and waits for its cache to sync.
func (c *NamespaceCache) Start(ctx context.Context) error {
	stopCh := ctx.Done()
	c.factory.Start(stopCh)
	if !cache.WaitForCacheSync(stopCh, c.synced...) {
		return fmt.Errorf("timed out waiting for namespace cache to sync")
	}
	return nil
}

// Namespaces returns the sorted names of active namespaces allowed by the filter.
func (c *NamespaceCache) Namespaces() ([]string, error) {
	items, err := c.informer.Lister().List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, ns := range items {
		if ns.DeletionTimestamp != nil {
			continue
		}
		if c.filter != nil && !c.filter.Allowed(ns.Name, ns.Labels) {
			continue
		}
		names = append(names, ns.Name)
	}
	sort.Strings(names)
	return names, nil
}
