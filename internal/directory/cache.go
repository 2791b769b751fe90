package directory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached wraps a directory with a short-TTL in-memory cache. Users and
// templates are read on every send and every click webhook; both change
// rarely enough that a few minutes of staleness is fine.
type Cached struct {
	users     UserDirectory
	templates TemplateCatalog
	cache     *gocache.Cache
}

func NewCached(users UserDirectory, templates TemplateCatalog, ttl time.Duration) *Cached {
	return &Cached{
		users:     users,
		templates: templates,
		cache:     gocache.New(ttl, 2*ttl),
	}
}

func (c *Cached) GetUser(ctx context.Context, userID string) (User, bool, error) {
	if v, ok := c.cache.Get("user:" + userID); ok {
		u := v.(User)
		return u, true, nil
	}
	u, found, err := c.users.GetUser(ctx, userID)
	if err != nil || !found {
		return u, found, err
	}
	c.cache.SetDefault("user:"+userID, u)
	return u, true, nil
}

func (c *Cached) GetUserByEmail(ctx context.Context, email string) (User, bool, error) {
	if v, ok := c.cache.Get("email:" + email); ok {
		u := v.(User)
		return u, true, nil
	}
	u, found, err := c.users.GetUserByEmail(ctx, email)
	if err != nil || !found {
		return u, found, err
	}
	c.cache.SetDefault("email:"+email, u)
	return u, true, nil
}

func (c *Cached) GetTemplate(ctx context.Context, templateID string) (Template, bool, error) {
	if v, ok := c.cache.Get("tpl:" + templateID); ok {
		t := v.(Template)
		return t, true, nil
	}
	t, found, err := c.templates.GetTemplate(ctx, templateID)
	if err != nil || !found {
		return t, found, err
	}
	c.cache.SetDefault("tpl:"+templateID, t)
	return t, true, nil
}

// ListTemplates is not cached; the listing endpoint is rare and filterable.
func (c *Cached) ListTemplates(ctx context.Context, f TemplateFilter) ([]Template, error) {
	return c.templates.ListTemplates(ctx, f)
}
