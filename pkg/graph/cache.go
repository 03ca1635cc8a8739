package graph

import (
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"
	"github.com/studyhub/automation/pkg/models"
)

// Cache holds compiled graphs keyed by workflow id and version, so a
// definition is compiled once no matter how many runs it starts.
type Cache struct {
	cache *c.Cache
	opts  []Option
}

// NewCache creates a cache whose entries expire after ttl of disuse; zero keeps them forever.
func NewCache(ttl time.Duration, opts ...Option) *Cache {
	expiration := ttl
	if expiration <= 0 {
		expiration = c.NoExpiration
	}

	return &Cache{
		cache: c.New(expiration, 10*time.Minute),
		opts:  opts,
	}
}

func cacheKey(workflowID string, version int) string {
	return fmt.Sprintf("%s@%d", workflowID, version)
}

// Get returns the compiled graph for wf, compiling and storing it on a miss.
func (ch *Cache) Get(wf *models.Workflow) (*Graph, error) {
	key := cacheKey(wf.ID, wf.Version)
	if g, found := ch.cache.Get(key); found {
		return g.(*Graph), nil
	}

	g, err := Compile(wf, ch.opts...)
	if err != nil {
		return nil, err
	}

	ch.cache.SetDefault(key, g)

	return g, nil
}

// Invalidate drops a cached version.
func (ch *Cache) Invalidate(workflowID string, version int) {
	ch.cache.Delete(cacheKey(workflowID, version))
}

func (ch *Cache) Len() int {
	return ch.cache.ItemCount()
}
